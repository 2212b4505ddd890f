package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/carewire/telecall/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Store    Store    `json:"store"`
	ICE      ICE      `json:"ice"`
	Call     Call     `json:"call"`
	Media    Media    `json:"media"`
	Status   Status   `json:"status"`
}

type Identity struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"` // "doctor" or "patient"
}

type Store struct {
	// Driver selects the signaling backend: "memory", "sqlite" or "mongo".
	Driver string `json:"driver"`

	// DataDir holds the sqlite database file. Relative to the working
	// directory. Only used when Driver is "sqlite".
	DataDir string `json:"data_dir"`

	// Mongo connection settings. Only used when Driver is "mongo".
	MongoURI      string `json:"mongo_uri"`
	MongoDatabase string `json:"mongo_database"`
}

type ICE struct {
	Servers []ICEServer `json:"servers"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Call struct {
	// ConnectTimeoutSec bounds how long a start or join may sit without the
	// peer connection reaching connected before the attempt is abandoned.
	ConnectTimeoutSec int `json:"connect_timeout_sec"`

	// ReconnectTimeoutSec bounds how long a dropped call may try to
	// recover before it ends.
	ReconnectTimeoutSec int `json:"reconnect_timeout_sec"`
}

type Media struct {
	MaxWidth     int  `json:"max_width"`
	MaxHeight    int  `json:"max_height"`
	VideoBitRate int  `json:"video_bit_rate"`
	DisableVideo bool `json:"disable_video"` // audio-only capture

	// AllowRecvOnly lets a call proceed with no local capture devices at
	// all; when false, failing to open camera and microphone fails the
	// call attempt.
	AllowRecvOnly bool `json:"allow_recv_only"`

	// ICE liveness timing (seconds). Generous defaults so a brief relay
	// hiccup does not terminate the call.
	DisconnectedTimeoutSec int `json:"disconnected_timeout_sec"`
	FailedTimeoutSec       int `json:"failed_timeout_sec"`
	KeepAliveIntervalSec   int `json:"keep_alive_interval_sec"`
}

type Status struct {
	// HTTPAddr is the listen address of the local status/preview bridge,
	// for example "127.0.0.1:8790". Empty disables the bridge.
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

func Default() Config {
	return Config{
		Identity: Identity{},
		Store: Store{
			Driver:        "sqlite",
			DataDir:       "data",
			MongoDatabase: "telecall",
		},
		ICE: ICE{
			Servers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
		Call: Call{
			ConnectTimeoutSec:   30,
			ReconnectTimeoutSec: 45,
		},
		Media: Media{
			MaxWidth:               640,
			MaxHeight:              480,
			VideoBitRate:           1_500_000,
			AllowRecvOnly:          true,
			DisconnectedTimeoutSec: 30,
			FailedTimeoutSec:       120,
			KeepAliveIntervalSec:   2,
		},
		Status: Status{
			HTTPAddr: "127.0.0.1:8790",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}
	switch c.Identity.Role {
	case "doctor", "patient":
	default:
		return errors.New("identity.role must be \"doctor\" or \"patient\"")
	}

	// Store
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Store.DataDir) == "" {
			return errors.New("store.data_dir is required for the sqlite driver")
		}
	case "mongo":
		if err := validateMongoURI(c.Store.MongoURI); err != nil {
			return fmt.Errorf("store.mongo_uri: %w", err)
		}
		if strings.TrimSpace(c.Store.MongoDatabase) == "" {
			return errors.New("store.mongo_database is required for the mongo driver")
		}
	default:
		return errors.New("store.driver must be memory, sqlite or mongo")
	}

	// ICE
	if len(c.ICE.Servers) == 0 {
		return errors.New("ice.servers must list at least one server")
	}
	for _, s := range c.ICE.Servers {
		if len(s.URLs) == 0 {
			return errors.New("ice.servers entries need at least one url")
		}
		for _, u := range s.URLs {
			if err := validateICEURL(u); err != nil {
				return fmt.Errorf("ice.servers url %q: %w", u, err)
			}
		}
	}

	// Call
	if c.Call.ConnectTimeoutSec <= 0 {
		return errors.New("call.connect_timeout_sec must be > 0")
	}
	if c.Call.ReconnectTimeoutSec <= 0 {
		return errors.New("call.reconnect_timeout_sec must be > 0")
	}

	// Media
	if !c.Media.DisableVideo {
		if c.Media.MaxWidth <= 0 || c.Media.MaxHeight <= 0 {
			return errors.New("media.max_width and media.max_height must be > 0")
		}
		if c.Media.VideoBitRate <= 0 {
			return errors.New("media.video_bit_rate must be > 0")
		}
	}
	if c.Media.DisconnectedTimeoutSec <= 0 {
		return errors.New("media.disconnected_timeout_sec must be > 0")
	}
	if c.Media.FailedTimeoutSec <= c.Media.DisconnectedTimeoutSec {
		return errors.New("media.failed_timeout_sec must be > media.disconnected_timeout_sec")
	}
	if c.Media.KeepAliveIntervalSec <= 0 {
		return errors.New("media.keep_alive_interval_sec must be > 0")
	}

	// Status
	if a := strings.TrimSpace(c.Status.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return errors.New("status.http_addr must be host:port")
		}
	}

	return nil
}

func validateICEURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	switch u.Scheme {
	case "stun", "stuns", "turn", "turns":
	default:
		return errors.New("scheme must be stun, stuns, turn or turns")
	}
	if u.Opaque == "" && u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateMongoURI(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("required for the mongo driver")
	}
	if !strings.HasPrefix(raw, "mongodb://") && !strings.HasPrefix(raw, "mongodb+srv://") {
		return errors.New("must start with mongodb:// or mongodb+srv://")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// seeded with the given identity. Returns (cfg, createdNew, err).
func Ensure(path string, id Identity) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity = id
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
