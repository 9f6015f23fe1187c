package coapcloud

import (
	"gopkg.in/ini.v1"
)

const (
	DEFAULT_HOST     = "coap.exosite.com"
	DEFAULT_PORT     = 5683
	DEFAULT_CIK_PATH = "cik"
)

// Client configuration : where the platform lives, who this device is
// and where its CIK is kept
type Config struct {
	Host    string
	Port    uint16
	Vendor  string
	Model   string
	Serial  string
	CikPath string
}

func DefaultConfig() *Config {
	return &Config{
		Host:    DEFAULT_HOST,
		Port:    DEFAULT_PORT,
		CikPath: DEFAULT_CIK_PATH,
	}
}

// Load a configuration file. source can be a file path or raw bytes.
//
//	[server]
//	host = coap.exosite.com
//	port = 5683
//
//	[device]
//	vendor = patrick
//	model = generic_test
//	serial = 001
//	cik_path = cik
func LoadConfig(source any) (*Config, error) {
	iniFile, err := ini.Load(source)
	if err != nil {
		return nil, err
	}
	config := DefaultConfig()

	server := iniFile.Section("server")
	config.Host = server.Key("host").MustString(config.Host)
	config.Port = uint16(server.Key("port").MustUint(uint(config.Port)))

	device := iniFile.Section("device")
	config.Vendor = device.Key("vendor").String()
	config.Model = device.Key("model").String()
	config.Serial = device.Key("serial").String()
	config.CikPath = device.Key("cik_path").MustString(config.CikPath)

	return config, nil
}
