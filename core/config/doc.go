// Package config provides type-safe environment variable loading with
// per-type caching using Go generics-free reflection.
//
// The package automatically loads .env files on first use and uses the
// caarlos0/env library for parsing environment variables into struct fields.
//
// Basic usage:
//
//	type ProxyConfig struct {
//		Upstream string `env:"PROXY_UPSTREAM,required"`
//		BodyMax  int64  `env:"PROXY_BODY_MAX" envDefault:"4194304"`
//	}
//
//	var cfg ProxyConfig
//	if err := config.Load(&cfg); err != nil {
//		log.Fatal(err)
//	}
//
// Each configuration type is loaded only once per application lifetime;
// repeated Load calls for the same type return the cached value.
package config
