// Copyright 2018 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package local

import (
	"github.com/yewenyu/sslocal-go/shadowsocks"
	"gopkg.in/yaml.v2"
)

// ServerConfig names one upstream Shadowsocks server this local proxy can
// dial through. Only the data shape is in scope here; loading it from a
// file or flags is a caller concern (spec §1 Non-goals).
type ServerConfig struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     uint16 `yaml:"port"`
	Method   string `yaml:"method"`
	Password string `yaml:"password"`
	// Plugin and PluginOpts name a SIP003 plugin command; this module
	// records them but does not spawn the plugin process (spec §1
	// Non-goals: "SIP003 plugin process management").
	Plugin     string `yaml:"plugin,omitempty"`
	PluginOpts string `yaml:"plugin_opts,omitempty"`
}

// CipherKind resolves the configured method name to a shadowsocks.CipherKind.
func (c ServerConfig) CipherKind() (shadowsocks.CipherKind, error) {
	return shadowsocks.ParseCipherKind(c.Method)
}

// LocalConfig is the local-side listener's configuration: where it
// accepts client connections, which upstream servers it may proxy
// through, and the ACL/tunnel behavior it should apply.
type LocalConfig struct {
	LocalAddr   string         `yaml:"local_address"`
	Servers     []ServerConfig `yaml:"servers"`
	ACLPath     string         `yaml:"acl,omitempty"`
	TunnelAddr  string         `yaml:"tunnel_address,omitempty"`
	NonceCacheSize int         `yaml:"nonce_cache_size,omitempty"`
}

// ParseLocalConfig unmarshals a YAML document into a LocalConfig. This is
// the unmarshaling step only — finding the file, watching it for changes,
// and any flag/CLI overlay are caller concerns (spec §1 Non-goals).
func ParseLocalConfig(data []byte) (*LocalConfig, error) {
	var cfg LocalConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
