package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/consul"
	"github.com/knadh/koanf/providers/etcd"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type SourceType string

const (
	SourceTypeFile      SourceType = "file"
	SourceTypeConsul    SourceType = "consul"
	SourceTypeEtcd      SourceType = "etcd"
	SourceTypeZookeeper SourceType = "zookeeper"
)

type LoaderOptions struct {
	Type SourceType

	// Path is the file path or remote key.
	Path string

	Endpoints []string

	Watch bool

	OnChange func(*Config) error
}

// Loader reads configuration from one of the supported sources and can
// watch it for changes.
type Loader struct {
	koanf    *koanf.Koanf
	options  LoaderOptions
	parser   *yaml.YAML
	stopChan chan struct{}
}

func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Type == "" {
		opts.Type = SourceTypeFile
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if len(opts.Endpoints) == 0 {
		switch opts.Type {
		case SourceTypeConsul:
			opts.Endpoints = []string{"localhost:8500"}
		case SourceTypeEtcd:
			opts.Endpoints = []string{"localhost:2379"}
		case SourceTypeZookeeper:
			opts.Endpoints = []string{"localhost:2181"}
		}
	}

	return &Loader{
		koanf:    koanf.New("."),
		options:  opts,
		parser:   yaml.Parser(),
		stopChan: make(chan struct{}),
	}, nil
}

func (l *Loader) Load() (*Config, error) {
	var provider koanf.Provider

	switch l.options.Type {
	case SourceTypeFile:
		provider = file.Provider(l.options.Path)

	case SourceTypeConsul:
		consulConfig := api.DefaultConfig()
		consulConfig.Address = l.options.Endpoints[0]
		provider = consul.Provider(consul.Config{
			Cfg: consulConfig,
			Key: l.options.Path,
		})

	case SourceTypeEtcd:
		provider = etcd.Provider(etcd.Config{
			Endpoints:   l.options.Endpoints,
			DialTimeout: 5 * time.Second,
			Key:         l.options.Path,
		})

	case SourceTypeZookeeper:
		zkProvider, err := newZookeeperProvider(l.options.Endpoints, l.options.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create zookeeper provider: %w", err)
		}
		provider = zkProvider

	default:
		return nil, fmt.Errorf("unsupported config source: %s", l.options.Type)
	}

	if err := l.koanf.Load(provider, l.parserFor()); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", l.options.Type, err)
	}

	if err := l.expandEnvVarsInKoanf(); err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	cfg, err := l.unmarshalAndProcess()
	if err != nil {
		return nil, err
	}

	if l.options.Watch {
		go l.watch(provider)
	}

	return cfg, nil
}

// parserFor returns the yaml parser for sources that hand back raw bytes;
// consul and etcd providers return pre-parsed maps.
func (l *Loader) parserFor() koanf.Parser {
	if l.options.Type == SourceTypeFile || l.options.Type == SourceTypeZookeeper {
		return l.parser
	}
	return nil
}

type Watcher interface {
	Watch(cb func(event interface{}, err error)) error
}

func (l *Loader) watch(provider koanf.Provider) {
	watcher, ok := provider.(Watcher)
	if !ok {
		slog.Warn("config provider does not support watching", "source", l.options.Type)
		return
	}

	slog.Info("config watcher started", "source", l.options.Type)

	err := watcher.Watch(func(event interface{}, err error) {
		select {
		case <-l.stopChan:
			return
		default:
		}

		if err != nil {
			slog.Warn("config watch error", "error", err)
			return
		}

		if err := l.koanf.Load(provider, l.parserFor()); err != nil {
			slog.Warn("failed to reload config", "error", err)
			return
		}
		if err := l.expandEnvVarsInKoanf(); err != nil {
			slog.Warn("failed to expand env vars in reloaded config", "error", err)
			return
		}

		newCfg, err := l.unmarshalAndProcess()
		if err != nil {
			slog.Warn("reloaded config rejected", "error", err)
			return
		}

		if l.options.OnChange != nil {
			if err := l.options.OnChange(newCfg); err != nil {
				slog.Warn("config change callback failed", "error", err)
			} else {
				slog.Info("configuration reloaded", "source", l.options.Type)
			}
		}
	})

	if err != nil {
		slog.Warn("config watch stopped", "error", err)
	}
}

func (l *Loader) unmarshalAndProcess() (*Config, error) {
	cfg := &Config{}
	if err := l.koanf.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return ProcessConfigPipeline(cfg)
}

func (l *Loader) expandEnvVarsInKoanf() error {
	expandedMap, ok := ExpandEnvVarsInData(l.koanf.Raw()).(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected type after env var expansion")
	}

	newKoanf := koanf.New(".")
	if err := newKoanf.Load(confmap.Provider(expandedMap, "."), nil); err != nil {
		return fmt.Errorf("failed to load expanded config: %w", err)
	}
	l.koanf = newKoanf
	return nil
}

func (l *Loader) Stop() {
	close(l.stopChan)
}

func (l *Loader) SetOnChange(callback func(*Config) error) {
	l.options.OnChange = callback
}

// LoadConfig is a one-shot convenience wrapper around NewLoader + Load.
func LoadConfig(opts LoaderOptions) (*Config, error) {
	loader, err := NewLoader(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create loader: %w", err)
	}
	return loader.Load()
}

func ParseSourceType(s string) (SourceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "file":
		return SourceTypeFile, nil
	case "consul":
		return SourceTypeConsul, nil
	case "etcd":
		return SourceTypeEtcd, nil
	case "zookeeper", "zk":
		return SourceTypeZookeeper, nil
	default:
		return "", fmt.Errorf("invalid config source: %s (valid: file, consul, etcd, zookeeper)", s)
	}
}
