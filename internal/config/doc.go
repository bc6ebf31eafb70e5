// Package config provides configuration loading and validation for the encoder service.
// Keys absent from the YAML file keep the values from Default.
package config
