// Package config loads a node's YAML configuration file and its TLS
// material from disk, and maps them onto supervisor.Config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bacsc/scnode/pkg/supervisor"
	"github.com/bacsc/scnode/pkg/tlsmaterial"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of a node's configuration file.
type File struct {
	UUID string `yaml:"uuid"`
	VMAC string `yaml:"vmac"` // "aa:bb:cc:dd:ee:ff"; empty generates a random one

	TLS struct {
		CAFile   string `yaml:"ca_file"`
		CertFile string `yaml:"cert_file"`
		KeyFile  string `yaml:"key_file"`
	} `yaml:"tls"`

	MaxBVLCLength int `yaml:"max_bvlc_length"`
	MaxNPDULength int `yaml:"max_npdu_length"`

	ConnectTimeoutS     int `yaml:"connect_timeout_s"`
	HeartbeatTimeoutS   int `yaml:"heartbeat_timeout_s"`
	DisconnectTimeoutS  int `yaml:"disconnect_timeout_s"`
	ReconnectTimeoutS   int `yaml:"reconnect_timeout_s"`
	ResolutionTimeoutS  int `yaml:"resolution_timeout_s"`
	ResolutionFreshTTLS int `yaml:"resolution_fresh_ttl_s"`

	PrimaryURL  string `yaml:"primary_url"`
	FailoverURL string `yaml:"failover_url"`

	HubFunction struct {
		Enabled    bool   `yaml:"enabled"`
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"hub_function"`

	NodeSwitch struct {
		Enabled              bool     `yaml:"enabled"`
		InitiateEnabled      bool     `yaml:"direct_connect_initiate_enable"`
		AcceptEnabled        bool     `yaml:"direct_connect_accept_enable"`
		ListenAddr           string   `yaml:"listen_addr"`
		AcceptURIs           []string `yaml:"accept_uris"`
		MaxDirectConnections int      `yaml:"max_direct_connections"`
	} `yaml:"node_switch"`

	MaxURISize int `yaml:"max_uri_size"`
}

// Load reads and parses path, then resolves its TLS file references
// relative to path's directory.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for _, p := range []*string{&f.TLS.CAFile, &f.TLS.CertFile, &f.TLS.KeyFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	return f, nil
}

// ToSupervisorConfig builds a supervisor.Config from f, loading TLS
// material from the files f references and invoking eventFunc for the
// node's upward events.
func (f File) ToSupervisorConfig(eventFunc supervisor.EventFunc) (supervisor.Config, error) {
	material, err := loadTLSMaterial(f)
	if err != nil {
		return supervisor.Config{}, err
	}

	id, err := parseOrNewUUID(f.UUID)
	if err != nil {
		return supervisor.Config{}, err
	}
	vmac, err := parseOrRandomVMAC(f.VMAC)
	if err != nil {
		return supervisor.Config{}, err
	}

	cfg := supervisor.Config{
		TLSMaterial:                 material,
		UUID:                        id,
		VMAC:                        vmac,
		MaxBVLCLength:               uint16(f.MaxBVLCLength),
		MaxNPDULength:               uint16(f.MaxNPDULength),
		ConnectTimeout:              time.Duration(f.ConnectTimeoutS) * time.Second,
		HeartbeatTimeout:            time.Duration(f.HeartbeatTimeoutS) * time.Second,
		DisconnectTimeout:           time.Duration(f.DisconnectTimeoutS) * time.Second,
		ReconnectTimeout:            time.Duration(f.ReconnectTimeoutS) * time.Second,
		ResolutionTimeout:           time.Duration(f.ResolutionTimeoutS) * time.Second,
		ResolutionFreshTTL:          time.Duration(f.ResolutionFreshTTLS) * time.Second,
		PrimaryURL:                  f.PrimaryURL,
		FailoverURL:                 f.FailoverURL,
		HubFunctionEnabled:          f.HubFunction.Enabled,
		HubFunctionListenAddr:       f.HubFunction.ListenAddr,
		NodeSwitchEnabled:           f.NodeSwitch.Enabled,
		DirectConnectInitiateEnable: f.NodeSwitch.InitiateEnabled,
		DirectConnectAcceptEnable:   f.NodeSwitch.AcceptEnabled,
		DirectConnectListenAddr:     f.NodeSwitch.ListenAddr,
		AcceptURIs:                  f.NodeSwitch.AcceptURIs,
		MaxDirectConnections:        f.NodeSwitch.MaxDirectConnections,
		MaxURISize:                  f.MaxURISize,
		EventFunc:                   eventFunc,
	}
	return cfg, nil
}

func loadTLSMaterial(f File) (tlsmaterial.Material, error) {
	ca, err := os.ReadFile(f.TLS.CAFile)
	if err != nil {
		return tlsmaterial.Material{}, fmt.Errorf("config: read ca_file: %w", err)
	}
	cert, err := os.ReadFile(f.TLS.CertFile)
	if err != nil {
		return tlsmaterial.Material{}, fmt.Errorf("config: read cert_file: %w", err)
	}
	key, err := os.ReadFile(f.TLS.KeyFile)
	if err != nil {
		return tlsmaterial.Material{}, fmt.Errorf("config: read key_file: %w", err)
	}
	return tlsmaterial.Material{CA: ca, Cert: cert, Key: key}, nil
}

func parseOrNewUUID(s string) ([16]byte, error) {
	if s == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return [16]byte{}, fmt.Errorf("config: invalid uuid %q: %w", s, err)
	}
	return id, nil
}

func parseOrRandomVMAC(s string) ([6]byte, error) {
	if s == "" {
		id := uuid.New()
		var v [6]byte
		copy(v[:], id[10:16])
		return v, nil
	}
	var v [6]byte
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x", &v[0], &v[1], &v[2], &v[3], &v[4], &v[5])
	if err != nil || n != 6 {
		return [6]byte{}, fmt.Errorf("config: invalid vmac %q", s)
	}
	return v, nil
}
