package config

import (
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"

	"uds-rpc/rpcerr"
)

// Category groups namespaces; each category owns a socket file prefix.
type Category string

const (
	CategoryController Category = "controller"
	CategoryCache      Category = "cache"
	CategoryCore       Category = "core"
	CategoryThird      Category = "third"
	CategoryRemote     Category = "remote"
	CategoryOffice     Category = "office"
	CategoryCourt      Category = "court"
	CategoryCustom     Category = "custom"
)

// prefix shared with the SDKs of other languages, do not change
const categoryPrefix = "net.hjxinxi."

var categories = []Category{
	CategoryController, CategoryCache, CategoryCore, CategoryThird,
	CategoryRemote, CategoryOffice, CategoryCourt, CategoryCustom,
}

func Categories() []Category {
	return append([]Category(nil), categories...)
}

func (c Category) Valid() bool {
	for _, v := range categories {
		if v == c {
			return true
		}
	}
	return false
}

func (c Category) Prefix() string {
	return categoryPrefix + string(c)
}

// Endpoint identifies one server: the socket lives at BaseDir + category prefix + "." + namespace.
type Endpoint struct {
	BaseDir   string   `yaml:"base_dir"`
	Category  Category `yaml:"category"`
	Namespace string   `yaml:"namespace"`
}

func (e Endpoint) Validate() error {
	if !e.Category.Valid() {
		return rpcerr.Config("unknown service category %q", e.Category)
	}
	if e.Namespace == "" {
		return rpcerr.Config("namespace must not be empty")
	}
	if strings.ContainsRune(e.Namespace, filepath.Separator) {
		return rpcerr.Config("namespace %q must not contain a path separator", e.Namespace)
	}
	return nil
}

// Address returns the socket path. Client and server with the same endpoint always agree on it.
func (e Endpoint) Address() (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	base := e.BaseDir
	if base == "" {
		base = DefaultBaseDir
	}
	base, err := homedir.Expand(base)
	if err != nil {
		return "", rpcerr.Wrap(rpcerr.KindConfig, err, "expand base dir %q", e.BaseDir)
	}
	if !strings.HasSuffix(base, string(filepath.Separator)) {
		base += string(filepath.Separator)
	}
	return base + e.Category.Prefix() + "." + e.Namespace, nil
}

func (e Endpoint) String() string {
	return string(e.Category) + "/" + e.Namespace
}
