// Package config provides application configuration management.
//
// The config package loads the configuration from a YAML file, applies
// OPENEO_UDF_* environment overrides and validates the result. It covers
// the server transport, the sandbox budget, the dispatcher pool, the
// function registry, cube loading, the result cache and logging.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Server transport: %s\n", cfg.Server.Transport)
package config
