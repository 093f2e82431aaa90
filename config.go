// Copyright 2012 Alec Thomas
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package malloc

import (
	"log/slog"
	"os"
)

// DefaultRegionPages is the number of OS pages a freshly mapped region holds
// when that default is large enough for the request driving its creation.
const DefaultRegionPages = 1024

// Config controls a Heap's interaction with the OS and its diagnostics. The
// zero value is usable: it maps real memory through the OS, uses 1024-page
// regions, logs to slog.Default(), and exits the process on a fatal mapping
// failure via os.Exit.
type Config struct {
	// Mapper supplies anonymous memory. Nil uses the real OS mapper; tests
	// substitute a fake here to simulate region adjacency.
	Mapper Mapper

	// RegionPages overrides the default region size in OS pages. Zero uses
	// DefaultRegionPages.
	RegionPages int

	// Logger receives the one fatal diagnostic this package ever emits: a
	// kernel mapping failure. Nil uses slog.Default().
	Logger *slog.Logger

	// Exit is called with a nonzero status after logging a fatal mapping
	// failure. Nil uses os.Exit; tests substitute a recording stub so the
	// fatal path can be observed without terminating the test binary.
	Exit func(int)
}

func (c Config) withDefaults() Config {
	if c.Mapper == nil {
		c.Mapper = osMapper{}
	}
	if c.RegionPages <= 0 {
		c.RegionPages = DefaultRegionPages
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Exit == nil {
		c.Exit = os.Exit
	}
	return c
}
