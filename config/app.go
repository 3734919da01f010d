package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	CacheDir    string
	DownloadDir string
	DB          *DBConfig

	// SessionDir holds the reactor's per-torrent *.state resume files,
	// separate from DownloadDir's actual piece content.
	SessionDir string
	// DHTPort is the UDP port advertised in the Port message's handshake
	// reply for peers that speak the DHT extension.
	DHTPort int
	// DefaultMaxBucketBytes caps each throttle bucket's token ceiling.
	DefaultMaxBucketBytes int
	// DefaultULRate/DefaultDLRate are the session throttler's starting
	// rates, in bytes per millisecond; 0 means unlimited.
	DefaultULRate int
	DefaultDLRate int
	// ListenAddr is the RPC websocket + /healthz HTTP listen address.
	ListenAddr string
	// PeerPort is the TCP port syncored accepts incoming peer-wire
	// connections on.
	PeerPort int
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func NewAppConfig() *AppConfig {
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		cacheDir = "storage/cache"
	}

	downloadDir := os.Getenv("DOWNLOAD_DIR")
	if downloadDir == "" {
		downloadDir = "storage/downloads"
	}

	sessionDir := os.Getenv("SESSION_DIR")
	if sessionDir == "" {
		sessionDir = "storage/session"
	}

	listenAddr := os.Getenv("LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = ":7001"
	}

	dbConf := NewDBConfig()

	return &AppConfig{
		CacheDir:              cacheDir,
		DownloadDir:           downloadDir,
		DB:                    dbConf,
		SessionDir:            sessionDir,
		DHTPort:               envInt("DHT_PORT", 6881),
		DefaultMaxBucketBytes: envInt("MAX_BUCKET_BYTES", 1<<20),
		DefaultULRate:         envInt("UL_RATE", 0),
		DefaultDLRate:         envInt("DL_RATE", 0),
		ListenAddr:            listenAddr,
		PeerPort:              envInt("PEER_PORT", 6889),
	}
}

var Main *AppConfig

func init() {
	_ = godotenv.Load()
	Main = NewAppConfig()
}
