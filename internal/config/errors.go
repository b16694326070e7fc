package config

import "errors"

var (
	// ErrConfigFileNotFound indicates that the config file was not found
	ErrConfigFileNotFound = errors.New("configuration file not found")

	// ErrInvalidConfigFormat indicates that the config file could not be parsed
	ErrInvalidConfigFormat = errors.New("invalid configuration file format")

	// ErrNegativeValue indicates a numeric setting below zero
	ErrNegativeValue = errors.New("value must not be negative")

	// ErrBackoffRange indicates backoffMax is smaller than backoffBase
	ErrBackoffRange = errors.New("backoffMax must be >= backoffBase")

	// ErrInvalidLogLevel indicates an unknown logLevel
	ErrInvalidLogLevel = errors.New("unknown logLevel")
)
