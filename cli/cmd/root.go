package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"southwinds.dev/securevault"
	"southwinds.dev/securevault/audit"
	"southwinds.dev/securevault/internal/logging"
	"southwinds.dev/securevault/keystore"
	"southwinds.dev/securevault/persist"
)

const envPrefix = "SECUREVAULT"

var (
	cfgFile      string
	namespace    string
	vaultManager *securevault.VaultManager
	logger       logging.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "securevault",
	Short: "An encrypted key-value vault for tokens and other small secrets",
	Long: `securevault keeps string values in an encrypted file per namespace.

Values are sealed individually and the whole namespace is sealed again with
XChaCha20-Poly1305. The namespace key lives in the operating system keyring
(or a private key directory) and never touches the vault file.`,
	SilenceUsage:      true,
	PersistentPreRunE: initializeVault,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if vaultManager != nil {
			return vaultManager.CloseAll()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", formatError(err))
		memguard.SafeExit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.securevault.yaml)")
	rootCmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "", "vault namespace")
	rootCmd.PersistentFlags().StringP("path", "p", "", "directory holding vault files (filesystem store)")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (filesystem, s3, mongodb)")
	rootCmd.PersistentFlags().String("compression", "", "envelope compression (none, zstd)")

	bindFlagOrPanic("vault.namespace", "namespace")
	bindFlagOrPanic("vault.path", "path")
	bindFlagOrPanic("vault.store_type", "store-type")
	bindFlagOrPanic("vault.compression", "compression")

	// Keystore flags
	rootCmd.PersistentFlags().String("keystore", "", "keystore backend (keyring, file, memory)")
	rootCmd.PersistentFlags().String("key-dir", "", "key directory of the file keystore")
	rootCmd.PersistentFlags().String("key-passphrase", "", "passphrase wrapping keys of the file keystore")

	bindFlagOrPanic("keystore.type", "keystore")
	bindFlagOrPanic("keystore.path", "key-dir")
	bindFlagOrPanic("keystore.passphrase", "key-passphrase")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// Logging flags
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-pretty", false, "human readable log output")

	bindFlagOrPanic("log.level", "log-level")
	bindFlagOrPanic("log.pretty", "log-pretty")

	// S3 flags
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("s3.region", "s3-region")
	bindFlagOrPanic("s3.bucket", "s3-bucket")
	bindFlagOrPanic("s3.key_prefix", "s3-prefix")
	bindFlagOrPanic("s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("s3.use_ssl", "s3-use-ssl")

	// MongoDB flags
	rootCmd.PersistentFlags().String("mongo-uri", "", "MongoDB connection URI")
	rootCmd.PersistentFlags().String("mongo-database", "", "MongoDB database")
	rootCmd.PersistentFlags().String("mongo-collection", "", "MongoDB collection")

	bindFlagOrPanic("mongodb.uri", "mongo-uri")
	bindFlagOrPanic("mongodb.database", "mongo-database")
	bindFlagOrPanic("mongodb.collection", "mongo-collection")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".securevault")
	}

	// SECUREVAULT_VAULT_NAMESPACE, SECUREVAULT_KEYSTORE_TYPE, ...
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	}
}

func setDefaults() {
	viper.SetDefault("vault.namespace", "secure")
	viper.SetDefault("vault.path", persist.DefaultBasePath())
	viper.SetDefault("vault.store_type", string(persist.StoreTypeFileSystem))
	viper.SetDefault("vault.compression", "none")
	viper.SetDefault("vault.memory_lock", false)

	viper.SetDefault("keystore.type", string(keystore.TypeKeyring))
	viper.SetDefault("keystore.service", "securevault")

	viper.SetDefault("s3.region", "us-east-1")
	viper.SetDefault("s3.use_ssl", true)

	viper.SetDefault("mongodb.database", "securevault")
	viper.SetDefault("mongodb.collection", "envelopes")

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", string(audit.FileAuditType))
	viper.SetDefault("audit.options.file_path", "")

	viper.SetDefault("log.level", "warn")
	viper.SetDefault("log.pretty", true)
}

// initializeVault builds the vault manager for every command that touches a vault
func initializeVault(cmd *cobra.Command, args []string) error {
	switch cmd.Name() {
	case "help", "completion", "__complete", "__completeNoDesc":
		return nil
	}
	if cmd.Parent() != nil && cmd.Parent().Name() == "config" {
		return nil
	}

	logger = logging.New(logging.Config{
		Level:  viper.GetString("log.level"),
		Pretty: viper.GetBool("log.pretty"),
	})

	options, err := buildOptions()
	if err != nil {
		return err
	}

	vaultManager, err = securevault.NewVaultManagerWithOptions(options)
	if err != nil {
		return fmt.Errorf("failed to create vault manager: %w", err)
	}

	logger.Debug().
		Str("command", cmd.CommandPath()).
		Interface("flags", sanitizeFlags(cmd)).
		Str("store", getStoreConfigSummary()).
		Msg("vault manager ready")
	return nil
}

func buildOptions() (securevault.Options, error) {
	storeConfig, err := buildStoreConfig()
	if err != nil {
		return securevault.Options{}, err
	}

	options := securevault.Options{
		Store: storeConfig,
		KeyStore: keystore.Config{
			Type:       keystore.Type(viper.GetString("keystore.type")),
			Service:    viper.GetString("keystore.service"),
			Path:       viper.GetString("keystore.path"),
			Passphrase: viper.GetString("keystore.passphrase"),
		},
		Compression:      viper.GetString("vault.compression"),
		EnableMemoryLock: viper.GetBool("vault.memory_lock"),
		Retry:            securevault.DefaultRetryConfig(),
		Logger:           &logger,
	}

	if viper.GetBool("audit.enabled") {
		options.Audit = &audit.Config{
			Enabled: true,
			Type:    audit.ConfigType(viper.GetString("audit.type")),
			Options: map[string]interface{}{
				"file_path": auditFilePath(),
			},
		}
	}

	if err = options.Validate(); err != nil {
		return securevault.Options{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return options, nil
}

func buildStoreConfig() (persist.StoreConfig, error) {
	storeType := persist.StoreType(strings.ToLower(viper.GetString("vault.store_type")))
	switch storeType {
	case persist.StoreTypeFileSystem, "file", "":
		return persist.StoreConfig{
			Type:   persist.StoreTypeFileSystem,
			Config: map[string]interface{}{"base_path": viper.GetString("vault.path")},
		}, nil

	case persist.StoreTypeS3:
		s3Config := persist.S3Config{
			Endpoint:        viper.GetString("s3.endpoint"),
			AccessKeyID:     viper.GetString("s3.access_key_id"),
			SecretAccessKey: viper.GetString("s3.secret_access_key"),
			Bucket:          viper.GetString("s3.bucket"),
			KeyPrefix:       viper.GetString("s3.key_prefix"),
			UseSSL:          viper.GetBool("s3.use_ssl"),
			Region:          viper.GetString("s3.region"),
		}
		if err := validateS3Config(s3Config); err != nil {
			return persist.StoreConfig{}, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		return persist.StoreConfig{
			Type: persist.StoreTypeS3,
			Config: map[string]interface{}{
				"endpoint":          s3Config.Endpoint,
				"access_key_id":     s3Config.AccessKeyID,
				"secret_access_key": s3Config.SecretAccessKey,
				"bucket":            s3Config.Bucket,
				"key_prefix":        s3Config.KeyPrefix,
				"use_ssl":           s3Config.UseSSL,
				"region":            s3Config.Region,
			},
		}, nil

	case persist.StoreTypeMongoDB:
		uri := viper.GetString("mongodb.uri")
		if uri == "" {
			return persist.StoreConfig{}, fmt.Errorf("missing required configuration: mongodb.uri")
		}
		return persist.StoreConfig{
			Type: persist.StoreTypeMongoDB,
			Config: map[string]interface{}{
				"uri":        uri,
				"database":   viper.GetString("mongodb.database"),
				"collection": viper.GetString("mongodb.collection"),
			},
		}, nil

	default:
		return persist.StoreConfig{}, fmt.Errorf("unsupported store type: %s. Supported types: filesystem, s3, mongodb", storeType)
	}
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Endpoint == "" {
		missing = append(missing, "s3.endpoint")
	}
	if config.Bucket == "" {
		missing = append(missing, "s3.bucket")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""

	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// auditFilePath places the audit log next to the vault files unless configured
func auditFilePath() string {
	if path := viper.GetString("audit.options.file_path"); path != "" {
		return path
	}
	return viper.GetString("vault.path") + string(os.PathSeparator) + "audit.log"
}

// getStoreConfigSummary describes the configured store without credentials
func getStoreConfigSummary() string {
	switch persist.StoreType(strings.ToLower(viper.GetString("vault.store_type"))) {
	case persist.StoreTypeS3:
		return fmt.Sprintf("s3: endpoint=%s bucket=%s prefix=%s",
			viper.GetString("s3.endpoint"),
			viper.GetString("s3.bucket"),
			viper.GetString("s3.key_prefix"))
	case persist.StoreTypeMongoDB:
		return fmt.Sprintf("mongodb: database=%s collection=%s",
			viper.GetString("mongodb.database"),
			viper.GetString("mongodb.collection"))
	default:
		return fmt.Sprintf("filesystem: path=%s", viper.GetString("vault.path"))
	}
}

// currentVault opens the vault of the selected namespace
func currentVault() (securevault.VaultService, error) {
	if vaultManager == nil {
		return nil, fmt.Errorf("vault manager not initialized")
	}
	ns := viper.GetString("vault.namespace")
	v, err := vaultManager.GetVault(ns)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault for namespace %s: %w", ns, err)
	}
	return v, nil
}

func formatError(err error) string {
	if err == nil {
		return ""
	}

	var corrupted *securevault.CorruptedError
	var provisioning *securevault.KeyProvisioningError
	switch {
	case errors.Is(err, securevault.ErrNotFound):
		return err.Error()
	case errors.As(err, &corrupted):
		return fmt.Sprintf("vault data failed verification at the %s layer; the file was modified or belongs to another key", corrupted.Layer)
	case errors.As(err, &provisioning):
		return fmt.Sprintf("cannot access key %s: %v", provisioning.Tag, provisioning.Err)
	}

	message := err.Error()
	if len(message) > 0 {
		message = strings.ToUpper(message[:1]) + message[1:]
	}
	return message
}

// sanitizeFlags returns the flags set on the command line with secrets redacted
func sanitizeFlags(cmd *cobra.Command) map[string]string {
	flags := make(map[string]string)
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if !flag.Changed {
			return
		}
		if isSensitiveConfigKey(flag.Name) {
			flags[flag.Name] = "[REDACTED]"
		} else {
			flags[flag.Name] = flag.Value.String()
		}
	})
	return flags
}

func isSensitiveConfigKey(key string) bool {
	sensitiveKeys := []string{"passphrase", "password", "secret", "access_key", "access-key", "token", "uri"}
	lowerKey := strings.ToLower(key)

	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}
