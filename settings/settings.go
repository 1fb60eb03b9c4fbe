// Package settings loads the process configuration: database identity, the
// naming prefixes gating destructive drops, and backend locations. Values
// come from an optional YAML file overridden by POLYSTORE_ environment
// variables.
package settings

import (
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Configuration keys.
const (
	KeyDBID       = "db_id"
	KeyTestPrefix = "db_test_prefix"
	KeyTempPrefix = "db_temp_prefix"
	KeyMongoURI   = "mongo_uri"
	KeyCouchURI   = "couch_uri"
	KeyDataDir    = "data_dir"
)

// Defaults.
const (
	DefaultTestPrefix = "test_"
	DefaultTempPrefix = "temp_"
	DefaultMongoURI   = "mongodb://localhost:27017"
	DefaultCouchURI   = "http://localhost:5984"
	DefaultDataDir    = "data"
)

// EnvPrefix is the environment variable prefix: KeyDBID is read from
// POLYSTORE_DB_ID and so on.
const EnvPrefix = "POLYSTORE"

var (
	mu sync.RWMutex
	v  *viper.Viper
)

func init() {
	mu.Lock()
	defer mu.Unlock()
	v = fresh()
}

func fresh() *viper.Viper {
	nv := viper.New()
	nv.SetDefault(KeyTestPrefix, DefaultTestPrefix)
	nv.SetDefault(KeyTempPrefix, DefaultTempPrefix)
	nv.SetDefault(KeyMongoURI, DefaultMongoURI)
	nv.SetDefault(KeyCouchURI, DefaultCouchURI)
	nv.SetDefault(KeyDataDir, DefaultDataDir)
	nv.SetEnvPrefix(EnvPrefix)
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	nv.AutomaticEnv()
	return nv
}

// Load reads a YAML configuration file on top of the defaults. Environment
// variables still win over file values.
func Load(path string) error {
	mu.Lock()
	defer mu.Unlock()

	nv := fresh()
	nv.SetConfigFile(path)
	nv.SetConfigType("yaml")
	if err := nv.ReadInConfig(); err != nil {
		return err
	}
	v = nv
	return nil
}

// Reset drops all loaded configuration back to the defaults. Intended for
// tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	v = fresh()
}

func get(key string) string {
	mu.RLock()
	defer mu.RUnlock()
	return v.GetString(key)
}

// DBID returns the configured database identifier.
func DBID() string { return get(KeyDBID) }

// TestPrefix returns the naming prefix gating test database drops.
func TestPrefix() string { return get(KeyTestPrefix) }

// TempPrefix returns the naming prefix gating temp database drops.
func TempPrefix() string { return get(KeyTempPrefix) }

// MongoURI returns the document store connection URI.
func MongoURI() string { return get(KeyMongoURI) }

// CouchURI returns the Mango store connection URI.
func CouchURI() string { return get(KeyCouchURI) }

// DataDir returns the directory holding the file-store databases.
func DataDir() string { return get(KeyDataDir) }
