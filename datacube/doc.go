// Package datacube provides the labeled n-dimensional array model.
//
// A DataCube is an immutable array of float64 values together with ordered
// dimension metadata (name, coordinate labels, unit). Construction validates
// that the dimension count matches the array rank and that every dimension
// carries exactly one label per element along its axis. All transformations
// return new cubes; nothing mutates a cube after construction.
//
// Cubes serialize to a deterministic JSON (or YAML) document where the data
// is a nested list and non-finite values are written as the strings "NaN",
// "Infinity" and "-Infinity".
//
// Usage:
//
//	cube, err := datacube.FromNested([]any{[]any{1.0, 2.0}, []any{3.0, 4.0}}, []datacube.Dimension{
//	    {Name: "x", Labels: []string{"0", "1"}},
//	    {Name: "y", Labels: []string{"0", "1"}},
//	})
//	mean, err := cube.Reduce("x", "mean")
package datacube
