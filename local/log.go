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

// Package local implements the Shadowsocks local-side proxy: accepting a
// client connection, deciding whether to bypass or proxy it (AutoProxyStream),
// and relaying bytes to the chosen destination through a CryptoStream.
package local

import logging "github.com/op/go-logging"

var log = logging.MustGetLogger("local")
