package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"southwinds.dev/securevault/audit"
	"southwinds.dev/securevault/internal/codec"
	"southwinds.dev/securevault/internal/misc"
	"southwinds.dev/securevault/keystore"
	"southwinds.dev/securevault/persist"
)

var validConfigKeys = []string{
	"vault.namespace",
	"vault.path",
	"vault.store_type",
	"vault.compression",
	"vault.memory_lock",
	"keystore.type",
	"keystore.service",
	"keystore.path",
	"keystore.passphrase",
	"s3.endpoint",
	"s3.region",
	"s3.bucket",
	"s3.key_prefix",
	"s3.access_key_id",
	"s3.secret_access_key",
	"s3.use_ssl",
	"mongodb.uri",
	"mongodb.database",
	"mongodb.collection",
	"audit.enabled",
	"audit.type",
	"audit.options.file_path",
	"log.level",
	"log.pretty",
}

func getConfigFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}

	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".securevault.yaml")
}

func ensureConfigDir(configFile string) error {
	return os.MkdirAll(filepath.Dir(configFile), 0700)
}

func isValidConfigKey(key string) bool {
	return slices.Contains(validConfigKeys, key)
}

func convertStringValue(value string) interface{} {
	if b, err := strconv.ParseBool(value); err == nil && (value == "true" || value == "false") {
		return b
	}
	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	return value
}

func validateConfigValue(key string, value interface{}) error {
	s, _ := value.(string)
	switch key {
	case "vault.namespace":
		return misc.ValidateNamespace(s)
	case "vault.store_type":
		switch persist.StoreType(s) {
		case persist.StoreTypeFileSystem, persist.StoreTypeS3, persist.StoreTypeMongoDB:
			return nil
		}
		return fmt.Errorf("invalid store type %q (filesystem, s3, mongodb)", s)
	case "vault.compression":
		_, err := codec.ParseCompression(s)
		return err
	case "keystore.type":
		switch keystore.Type(s) {
		case keystore.TypeKeyring, keystore.TypeFile, keystore.TypeMemory:
			return nil
		}
		return fmt.Errorf("invalid keystore type %q (keyring, file, memory)", s)
	case "audit.type":
		switch audit.ConfigType(s) {
		case audit.FileAuditType, audit.SyslogAuditType:
			return nil
		}
		return fmt.Errorf("invalid audit type %q (file, syslog)", s)
	}
	return nil
}

func getConfigTemplate(template string) (map[string]interface{}, error) {
	minimal := map[string]interface{}{
		"vault": map[string]interface{}{
			"namespace":  misc.DefaultNamespace,
			"store_type": string(persist.StoreTypeFileSystem),
			"path":       persist.DefaultBasePath(),
		},
		"keystore": map[string]interface{}{
			"type": string(keystore.TypeKeyring),
		},
	}

	switch template {
	case "minimal":
		return minimal, nil
	case "default":
		minimal["vault"].(map[string]interface{})["compression"] = "none"
		minimal["audit"] = map[string]interface{}{
			"enabled": false,
			"type":    string(audit.FileAuditType),
		}
		minimal["log"] = map[string]interface{}{
			"level":  "warn",
			"pretty": true,
		}
		return minimal, nil
	case "full":
		full, _ := getConfigTemplate("default")
		full["vault"].(map[string]interface{})["memory_lock"] = false
		full["keystore"] = map[string]interface{}{
			"type":    string(keystore.TypeKeyring),
			"service": "securevault",
			"path":    keystore.DefaultKeyDir(),
		}
		full["s3"] = map[string]interface{}{
			"endpoint":   "",
			"bucket":     "",
			"region":     "us-east-1",
			"key_prefix": "securevault",
			"use_ssl":    true,
		}
		full["mongodb"] = map[string]interface{}{
			"uri":        "",
			"database":   "securevault",
			"collection": "envelopes",
		}
		return full, nil
	default:
		return nil, fmt.Errorf("unknown template: %s (minimal, default, full)", template)
	}
}

func validateConfiguration() []string {
	var problems []string

	for _, key := range []string{"vault.namespace", "vault.store_type", "vault.compression", "keystore.type"} {
		if err := validateConfigValue(key, viper.GetString(key)); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", key, err))
		}
	}

	if viper.GetBool("audit.enabled") {
		if err := validateConfigValue("audit.type", viper.GetString("audit.type")); err != nil {
			problems = append(problems, fmt.Sprintf("audit.type: %v", err))
		}
	}

	if _, err := buildStoreConfig(); err != nil {
		problems = append(problems, err.Error())
	}

	if keystore.Type(viper.GetString("keystore.type")) == keystore.TypeMemory {
		problems = append(problems, "keystore.type: memory keys are lost when the command exits")
	}

	return problems
}

// printConfigTable prints configuration in table format
func printConfigTable() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(w, "---\t-----\t------")

	var keys []string
	flattenKeys(viper.AllSettings(), "", &keys)
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		source := "default"
		if viper.ConfigFileUsed() != "" {
			source = filepath.Base(viper.ConfigFileUsed())
		}

		envKey := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if os.Getenv(envKey) != "" {
			source = "environment"
		}

		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}

		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, source)
	}

	return nil
}

// printConfigJSON prints configuration in JSON format
func printConfigJSON() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}

	fmt.Println(string(data))
	return nil
}

// printConfigYAML prints configuration in YAML format
func printConfigYAML() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	fmt.Print(string(data))
	return nil
}

func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

// maskSensitiveValues recursively masks sensitive values in configuration
func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		} else if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		}
	}
}
