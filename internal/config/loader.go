package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Loader reads, env-expands and validates a yaml file into any tagged
// config struct.
type Loader struct {
	filePath string
}

func NewLoader(filePath string) *Loader {
	return &Loader{filePath: filePath}
}

func (c *Loader) Load(cfg any) error {
	yamlData, err := os.ReadFile(c.filePath)
	if err != nil {
		return err
	}

	return decodeAndValidate(os.ExpandEnv(string(yamlData)), cfg)
}

func decodeAndValidate(yamlString string, cfg any) error {
	decoder := yaml.NewDecoder(strings.NewReader(yamlString))
	decoder.KnownFields(true)

	decodeErr := decoder.Decode(cfg)
	validate := validator.New(validator.WithRequiredStructEnabled())
	err := validate.Struct(cfg)

	if decodeErr != nil && err != nil {
		return fmt.Errorf("%w\n%w", err, decodeErr)
	}
	if decodeErr != nil {
		return decodeErr
	}
	return err
}
