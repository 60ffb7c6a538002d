package wallet

import (
	"errors"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
	"github.com/stackmate/keypolicy/errorcodes"
)

const (
	// DefaultNetwork is the network used when none is configured.
	DefaultNetwork = "testnet"
)

// Config describes the descriptors of a wallet and the network they live
// on. It loads from command line flags or an INI file.
//
//nolint:lll
type Config struct {
	DepositDesc string `long:"deposit" description:"The descriptor of the external (deposit) keychain."`
	ChangeDesc  string `long:"change" description:"The descriptor of the internal (change) keychain. Defaults to the deposit descriptor."`
	Network     string `long:"network" description:"The network the keys of the descriptors belong to." choice:"mainnet" choice:"testnet" choice:"regtest" choice:"signet" choice:"simnet"`
}

// DefaultConfig returns a config with the default network and no
// descriptors.
func DefaultConfig() *Config {
	return &Config{
		Network: DefaultNetwork,
	}
}

// LoadConfig reads a config from the INI file at path on top of the
// defaults and validates it.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	path = CleanAndExpandPath(path)
	if err := flags.IniParse(path, cfg); err != nil {
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, errorcodes.Wrap(
				errorcodes.InvalidConfig, err, "malformed config "+
					"file",
			)
		}

		return nil, errorcodes.Wrap(
			errorcodes.InvalidConfig, err, "unable to read "+path,
		)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that a deposit descriptor is given and the network is
// known. An empty change descriptor falls back to the deposit descriptor.
func (c *Config) Validate() error {
	c.DepositDesc = strings.TrimSpace(c.DepositDesc)
	c.ChangeDesc = strings.TrimSpace(c.ChangeDesc)

	if c.DepositDesc == "" {
		return errorcodes.New(
			errorcodes.InvalidConfig, "a deposit descriptor is "+
				"required",
		)
	}
	if c.ChangeDesc == "" {
		c.ChangeDesc = c.DepositDesc
	}

	if _, err := c.NetParams(); err != nil {
		return err
	}

	return nil
}

// NetParams returns the chain parameters of the configured network.
func (c *Config) NetParams() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, errorcodes.Newf(
			errorcodes.InvalidConfig, "unknown network %q",
			c.Network,
		)
	}
}

// CleanAndExpandPath expands environment variables and a leading ~ in the
// passed path, cleans the result, and returns it.
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	return filepath.Clean(os.ExpandEnv(path))
}
