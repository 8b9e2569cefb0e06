package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"fassets/internal/assetmanager"
	"fassets/internal/corevault"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed settings.schema.json
var settingsSchema []byte

const settingsSchemaURL = "https://fassets.local/settings.schema.json"

// LoadSettings reads asset settings from a YAML file, checks them against the
// settings schema and then against the engine's own consistency rules.
func LoadSettings(path string) (assetmanager.Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return assetmanager.Settings{}, err
	}
	return ParseSettings(raw)
}

func ParseSettings(raw []byte) (assetmanager.Settings, error) {
	var s assetmanager.Settings

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return s, fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		return s, fmt.Errorf("settings file is empty")
	}
	// the schema validator works on JSON values, so the YAML tree is
	// re-encoded and decoded with numbers kept exact
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return s, fmt.Errorf("encode settings: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(asJSON))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return s, err
	}

	schema, err := compileSettingsSchema()
	if err != nil {
		return s, err
	}
	if err := schema.Validate(value); err != nil {
		return s, fmt.Errorf("settings schema: %w", err)
	}

	if err := json.Unmarshal(asJSON, &s); err != nil {
		return s, fmt.Errorf("decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

func compileSettingsSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(settingsSchemaURL, bytes.NewReader(settingsSchema)); err != nil {
		return nil, fmt.Errorf("load settings schema: %w", err)
	}
	return c.Compile(settingsSchemaURL)
}

// CoreVaultSettings derives the core vault manager settings from the asset
// settings. ok is false when no core vault is configured.
func CoreVaultSettings(s assetmanager.Settings) (cv corevault.Settings, ok bool) {
	if s.CoreVaultUnderlyingAddress == "" {
		return cv, false
	}
	return corevault.Settings{
		CoreVaultAddress:     s.CoreVaultUnderlyingAddress,
		CustodianAddress:     s.CoreVaultCustodianAddress,
		EscrowAmountUBA:      s.CoreVaultEscrowAmountUBA,
		EscrowEndTimeSeconds: s.CoreVaultEscrowEndTimeSeconds,
		MinimalAmountLeftUBA: s.CoreVaultMinimalAmountLeftUBA,
		ChainPaymentFeeUBA:   s.CoreVaultChainPaymentFeeUBA,
	}, true
}
