package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config 全域配置
type Config struct {
	Device      DeviceConfig      `json:"device" yaml:"device" mapstructure:"device"`
	Transceiver TransceiverConfig `json:"transceiver" yaml:"transceiver" mapstructure:"transceiver"`
	Storage     StorageConfig     `json:"storage" yaml:"storage" mapstructure:"storage"`
	Runtime     RuntimeConfig     `json:"runtime" yaml:"runtime" mapstructure:"runtime"`
	Gateway     GatewayConfig     `json:"gateway" yaml:"gateway" mapstructure:"gateway"`
	Bus         BusConfig         `json:"bus" yaml:"bus" mapstructure:"bus"`
	Scenario    ScenarioConfig    `json:"scenario" yaml:"scenario" mapstructure:"scenario"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging" mapstructure:"logging"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics" mapstructure:"metrics"`
}

// DeviceConfig 裝置識別、物件與參數宣告
type DeviceConfig struct {
	Manufacturer uint16         `json:"manufacturer" yaml:"manufacturer" mapstructure:"manufacturer"`
	DeviceID     uint8          `json:"device_id" yaml:"device_id" mapstructure:"device_id"`
	Revision     uint8          `json:"revision" yaml:"revision" mapstructure:"revision"`
	Objects      []ObjectConfig `json:"objects" yaml:"objects" mapstructure:"objects"`
	Params       []ParamConfig  `json:"params" yaml:"params" mapstructure:"params"`
}

// ObjectConfig 通訊物件宣告
type ObjectConfig struct {
	Name    string `json:"name" yaml:"name" mapstructure:"name"`
	Address string `json:"address" yaml:"address" mapstructure:"address"`
	DPT     string `json:"dpt" yaml:"dpt" mapstructure:"dpt"`
	Flags   string `json:"flags" yaml:"flags" mapstructure:"flags"`
}

// ParamConfig 參數宣告
type ParamConfig struct {
	Name string `json:"name" yaml:"name" mapstructure:"name"`
	Type string `json:"type" yaml:"type" mapstructure:"type"`
}

// TransceiverConfig 收發器配置
type TransceiverConfig struct {
	Type     string `json:"type" yaml:"type" mapstructure:"type"` // loopback | serial | websocket
	Port     string `json:"port" yaml:"port" mapstructure:"port"`
	BaudRate int    `json:"baud_rate" yaml:"baud_rate" mapstructure:"baud_rate"`
	URL      string `json:"url" yaml:"url" mapstructure:"url"`
}

// StorageConfig NVM 配置
type StorageConfig struct {
	Type string `json:"type" yaml:"type" mapstructure:"type"` // memory | file
	Path string `json:"path" yaml:"path" mapstructure:"path"`
	Size int    `json:"size" yaml:"size" mapstructure:"size"`
}

// RuntimeConfig 驅動迴圈配置
type RuntimeConfig struct {
	TickInterval    time.Duration `json:"tick_interval" yaml:"tick_interval" mapstructure:"tick_interval"`
	GracefulTimeout time.Duration `json:"graceful_timeout" yaml:"graceful_timeout" mapstructure:"graceful_timeout"`
}

// GatewayConfig Modbus 閘道配置
type GatewayConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Listen       string        `json:"listen" yaml:"listen" mapstructure:"listen"`
	SyncInterval time.Duration `json:"sync_interval" yaml:"sync_interval" mapstructure:"sync_interval"`
}

// BusConfig 虛擬匯流排配置
type BusConfig struct {
	Listen string `json:"listen" yaml:"listen" mapstructure:"listen"`
	Path   string `json:"path" yaml:"path" mapstructure:"path"`
}

// ScenarioConfig 場景配置
type ScenarioConfig struct {
	Name           string         `json:"name" yaml:"name" mapstructure:"name"`
	UpdateInterval time.Duration  `json:"update_interval" yaml:"update_interval" mapstructure:"update_interval"`
	Params         ScenarioParams `json:"params" yaml:"params" mapstructure:"params"`
}

// ScenarioParams 場景參數
type ScenarioParams struct {
	Base     float64 `json:"base" yaml:"base" mapstructure:"base"`
	Variance float64 `json:"variance" yaml:"variance" mapstructure:"variance"`
}

// LoggingConfig 日誌配置
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" mapstructure:"level"`
	Format     string `json:"format" yaml:"format" mapstructure:"format"`
	OutputPath string `json:"output_path" yaml:"output_path" mapstructure:"output_path"`
}

// MetricsConfig 指標配置
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint"`
	Port     int    `json:"port" yaml:"port" mapstructure:"port"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Manufacturer: 0xDEAD,
			DeviceID:     0x01,
			Revision:     0x00,
			Objects: []ObjectConfig{
				{Name: "Switch", Address: "1/1/1", DPT: "1.001", Flags: "CWU"},
				{Name: "SwitchStatus", Address: "1/1/2", DPT: "1.001", Flags: "CRT"},
				{Name: "Temperature", Address: "2/1/1", DPT: "9.001", Flags: "CRT"},
				{Name: "Setpoint", Address: "2/1/2", DPT: "9.001", Flags: "CWUI"},
				{Name: "Counter", Address: "3/1/1", DPT: "12.001", Flags: "CRT"},
			},
			Params: []ParamConfig{
				{Name: "startup_delay", Type: "uint8"},
				{Name: "send_interval", Type: "uint16"},
				{Name: "temp_offset", Type: "int16"},
				{Name: "pulse_count", Type: "uint32"},
			},
		},
		Transceiver: TransceiverConfig{
			Type:     "loopback",
			BaudRate: 19200,
			URL:      "ws://127.0.0.1:8765/bus",
		},
		Storage: StorageConfig{
			Type: "file",
			Path: "knxsim-eeprom.cbor",
			Size: DefaultNVMSize,
		},
		Runtime: RuntimeConfig{
			TickInterval:    500 * time.Microsecond,
			GracefulTimeout: 10 * time.Second,
		},
		Gateway: GatewayConfig{
			Enabled:      false,
			Listen:       "0.0.0.0:5020",
			SyncInterval: 1 * time.Second,
		},
		Bus: BusConfig{
			Listen: ":8765",
			Path:   "/bus",
		},
		Scenario: ScenarioConfig{
			Name:           "idle",
			UpdateInterval: 10 * time.Second,
			Params: ScenarioParams{
				Base:     21.0,
				Variance: 0.5,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
			Port:     9090,
		},
	}
}

// LoadConfig 載入配置檔
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/knxsim/")
		viper.AddConfigPath("$HOME/.knxsim/")
	}

	// 環境變數覆蓋
	viper.SetEnvPrefix("KNXSIM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
		}
		// 配置檔不存在，使用預設值
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置驗證失敗: %w", err)
	}

	return cfg, nil
}

// Validate 驗證配置
func (c *Config) Validate() error {
	if _, err := c.DeviceSpec(); err != nil {
		return err
	}

	switch c.Transceiver.Type {
	case "loopback":
	case "serial":
		if c.Transceiver.Port == "" {
			return fmt.Errorf("serial 收發器必須指定 port")
		}
		if c.Transceiver.BaudRate <= 0 {
			return fmt.Errorf("無效的鮑率: %d", c.Transceiver.BaudRate)
		}
	case "websocket":
		if c.Transceiver.URL == "" {
			return fmt.Errorf("websocket 收發器必須指定 url")
		}
	default:
		return fmt.Errorf("未知的收發器類型: %q", c.Transceiver.Type)
	}

	switch c.Storage.Type {
	case "memory":
	case "file":
		if c.Storage.Path == "" {
			return fmt.Errorf("file 儲存必須指定 path")
		}
	default:
		return fmt.Errorf("未知的儲存類型: %q", c.Storage.Type)
	}

	need := paramTableStart(len(c.Device.Objects) + 1)
	for _, p := range c.Device.Params {
		t, _ := ParseParamType(p.Type)
		need += t.Width
	}
	if c.Storage.Size < need {
		return fmt.Errorf("NVM 容量不足: 需要 %d bytes，設定 %d bytes", need, c.Storage.Size)
	}

	if c.Runtime.TickInterval <= 0 {
		return fmt.Errorf("無效的 tick 間隔: %s", c.Runtime.TickInterval)
	}

	if c.Gateway.Enabled && c.Gateway.SyncInterval <= 0 {
		return fmt.Errorf("無效的閘道同步間隔: %s", c.Gateway.SyncInterval)
	}

	st, err := ParseScenarioType(c.Scenario.Name)
	if err != nil {
		return err
	}
	if st != ScenarioIdle && c.Scenario.UpdateInterval <= 0 {
		return fmt.Errorf("無效的場景更新間隔: %s", c.Scenario.UpdateInterval)
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("無效的埠號: %d", c.Metrics.Port)
	}

	return nil
}

// DeviceSpec 轉換為裝置宣告
func (c *Config) DeviceSpec() (DeviceSpec, error) {
	spec := DeviceSpec{
		Identity: DeviceIdentity{
			Manufacturer: c.Device.Manufacturer,
			DeviceID:     c.Device.DeviceID,
			Revision:     c.Device.Revision,
		},
	}

	if len(c.Device.Objects) > 255 {
		return spec, fmt.Errorf("物件數量過多: %d (最大 255)", len(c.Device.Objects))
	}
	for i, o := range c.Device.Objects {
		addr, err := ParseGroupAddress(o.Address)
		if err != nil {
			return spec, fmt.Errorf("物件 %d (%s): %w", i+1, o.Name, err)
		}
		dpt, err := ParseDPT(o.DPT)
		if err != nil {
			return spec, fmt.Errorf("物件 %d (%s): %w", i+1, o.Name, err)
		}
		flags, err := ParseObjectFlags(o.Flags)
		if err != nil {
			return spec, fmt.Errorf("物件 %d (%s): %w", i+1, o.Name, err)
		}
		spec.Objects = append(spec.Objects, ObjectSpec{
			Name:    o.Name,
			Address: addr,
			DPT:     dpt,
			Flags:   flags,
		})
	}

	if len(c.Device.Params) > 256 {
		return spec, fmt.Errorf("參數數量過多: %d (最大 256)", len(c.Device.Params))
	}
	for i, p := range c.Device.Params {
		t, err := ParseParamType(p.Type)
		if err != nil {
			return spec, fmt.Errorf("參數 %d (%s): %w", i, p.Name, err)
		}
		spec.Params = append(spec.Params, t)
	}
	return spec, nil
}

// SaveConfig 以 YAML 儲存配置
func (c *Config) SaveConfig(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("序列化配置失敗: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("寫入配置檔失敗: %w", err)
	}

	return nil
}
