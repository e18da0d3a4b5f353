package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/jaywantadh/ByteSwarm/internal/download"
	"github.com/jaywantadh/ByteSwarm/internal/peer"
	"github.com/jaywantadh/ByteSwarm/internal/piece"
	"github.com/jaywantadh/ByteSwarm/pkg/logging"
)

// AppConfig holds the application-level configuration
type AppConfig struct {
	PeerIDPrefix      string            `mapstructure:"peer_id_prefix"`
	BlockSize         datasize.ByteSize `mapstructure:"block_size"`
	PipelineDepth     int               `mapstructure:"pipeline_depth"`
	MaxPeers          int               `mapstructure:"max_peers"`
	MinPeers          int               `mapstructure:"min_peers"`
	DialTimeout       time.Duration     `mapstructure:"dial_timeout"`
	HandshakeTimeout  time.Duration     `mapstructure:"handshake_timeout"`
	BlockTimeout      time.Duration     `mapstructure:"block_timeout"`
	SuspectThreshold  int               `mapstructure:"suspect_threshold"`
	MaxReconnects     int               `mapstructure:"max_reconnects"`
	ReconnectBackoff  time.Duration     `mapstructure:"reconnect_backoff"`
	DialRate          float64           `mapstructure:"dial_rate"`
	ReplenishInterval time.Duration     `mapstructure:"replenish_interval"`
	ResumeDB          string            `mapstructure:"resume_db"`
	Debug             bool              `mapstructure:"debug"`
}

var Config *AppConfig

func setDefaults(v *viper.Viper) {
	v.SetDefault("peer_id_prefix", peer.DefaultPeerIDPrefix)
	v.SetDefault("block_size", "16KB")
	v.SetDefault("pipeline_depth", 5)
	v.SetDefault("max_peers", 30)
	v.SetDefault("min_peers", 4)
	v.SetDefault("dial_timeout", "10s")
	v.SetDefault("handshake_timeout", "10s")
	v.SetDefault("block_timeout", "30s")
	v.SetDefault("suspect_threshold", piece.DefaultSuspectThreshold)
	v.SetDefault("max_reconnects", 0)
	v.SetDefault("reconnect_backoff", "5s")
	v.SetDefault("dial_rate", 20)
	v.SetDefault("replenish_interval", "2s")
	v.SetDefault("resume_db", "")
	v.SetDefault("debug", false)
}

// LoadConfig reads config.yaml from path, overlays BYTESWARM_* environment
// variables and validates the result. A missing file means defaults.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.SetEnvPrefix("BYTESWARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logging.Component("config").WithField("path", path).Debug("no config file, using defaults")
	}

	var appConfig AppConfig
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&appConfig, hook); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := appConfig.Validate(); err != nil {
		return nil, err
	}

	Config = &appConfig
	return &appConfig, nil
}

// Validate rejects values no run could work with.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.BlockSize == 0 || c.BlockSize.Bytes() > piece.MaxBlockSize {
		errs = append(errs, fmt.Errorf("block_size must be between 1B and %s, got %s",
			datasize.ByteSize(piece.MaxBlockSize).HR(), c.BlockSize.HR()))
	}
	if c.PipelineDepth < 1 {
		errs = append(errs, fmt.Errorf("pipeline_depth must be at least 1, got %d", c.PipelineDepth))
	}
	if c.MaxPeers < 1 {
		errs = append(errs, fmt.Errorf("max_peers must be at least 1, got %d", c.MaxPeers))
	}
	if c.MinPeers < 0 || c.MinPeers > c.MaxPeers {
		errs = append(errs, fmt.Errorf("min_peers must be between 0 and max_peers, got %d", c.MinPeers))
	}
	for name, d := range map[string]time.Duration{
		"dial_timeout":       c.DialTimeout,
		"handshake_timeout":  c.HandshakeTimeout,
		"block_timeout":      c.BlockTimeout,
		"replenish_interval": c.ReplenishInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.MaxReconnects < 0 {
		errs = append(errs, fmt.Errorf("max_reconnects must not be negative, got %d", c.MaxReconnects))
	}
	if c.ReconnectBackoff < 0 {
		errs = append(errs, fmt.Errorf("reconnect_backoff must not be negative, got %s", c.ReconnectBackoff))
	}
	if c.DialRate <= 0 {
		errs = append(errs, fmt.Errorf("dial_rate must be positive, got %g", c.DialRate))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Download converts the configuration into coordinator settings with a
// fresh peer id.
func (c *AppConfig) Download() download.Config {
	return download.Config{
		PeerID:            peer.GeneratePeerID(c.PeerIDPrefix),
		BlockSize:         uint32(c.BlockSize.Bytes()),
		PipelineDepth:     c.PipelineDepth,
		MaxPeers:          c.MaxPeers,
		MinPeers:          c.MinPeers,
		DialTimeout:       c.DialTimeout,
		HandshakeTimeout:  c.HandshakeTimeout,
		BlockTimeout:      c.BlockTimeout,
		SuspectThreshold:  c.SuspectThreshold,
		MaxReconnects:     c.MaxReconnects,
		ReconnectBackoff:  c.ReconnectBackoff,
		DialRate:          c.DialRate,
		ReplenishInterval: c.ReplenishInterval,
	}
}
