// Package cubestore loads data cubes from local files and S3 objects.
//
// References are either paths (".json", ".yaml" or ".yml") or URIs of the
// form s3://bucket/key. The server only reads local files below a configured
// base directory; the command line tool may read any file.
package cubestore
