// Copyright 2023 - 2025 The Tessera Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"

	"github.com/BurntSushi/toml"

	"github.com/tessera-db/tessera/pkg/common/mpool"
	"github.com/tessera-db/tessera/pkg/common/terr"
	"github.com/tessera-db/tessera/pkg/logutil"
)

const (
	// defaultOutputBatchMaxSize bounds the bytes extracted from the row
	// materializer per GetOutput call.
	defaultOutputBatchMaxSize = 2 * mpool.MB
	// defaultOutputBatchMaxRows bounds rows per output batch.
	defaultOutputBatchMaxRows = 8192
	// defaultWorkingSetSize bounds the not-yet-candidate rows buffered by
	// one merge operator.
	defaultWorkingSetSize = 2 * mpool.MB
	// defaultFetchConcurrency sizes the exchange split fetcher pool.
	defaultFetchConcurrency = 4
)

// MergeParameters are the tunables of the merge operators.
type MergeParameters struct {
	OutputBatchMaxSize int64 `toml:"output-batch-max-size"`
	OutputBatchMaxRows int   `toml:"output-batch-max-rows"`
	WorkingSetSize     int64 `toml:"working-set-size"`
	FetchConcurrency   int   `toml:"fetch-concurrency"`
}

type Configuration struct {
	Log   logutil.LogConfig `toml:"log"`
	Merge MergeParameters   `toml:"merge"`
}

// SetDefaultValues fills every unset parameter.
func (c *Configuration) SetDefaultValues() {
	c.Merge.SetDefaultValues()
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

func (p *MergeParameters) SetDefaultValues() {
	if p.OutputBatchMaxSize == 0 {
		p.OutputBatchMaxSize = defaultOutputBatchMaxSize
	}
	if p.OutputBatchMaxRows == 0 {
		p.OutputBatchMaxRows = defaultOutputBatchMaxRows
	}
	if p.WorkingSetSize == 0 {
		p.WorkingSetSize = defaultWorkingSetSize
	}
	if p.FetchConcurrency == 0 {
		p.FetchConcurrency = defaultFetchConcurrency
	}
}

func (p *MergeParameters) Validate() error {
	if p.OutputBatchMaxSize < 0 || p.OutputBatchMaxRows < 0 ||
		p.WorkingSetSize < 0 || p.FetchConcurrency < 0 {
		return terr.NewBadConfig(context.TODO(), "merge parameters must be non-negative: %+v", *p)
	}
	return nil
}

// DefaultMergeParameters returns the built-in merge tunables.
func DefaultMergeParameters() MergeParameters {
	var p MergeParameters
	p.SetDefaultValues()
	return p
}

// LoadConfiguration parses the toml file at path and applies defaults.
func LoadConfiguration(path string) (*Configuration, error) {
	cfg := &Configuration{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, terr.NewBadConfig(context.TODO(), "parse %s: %v", path, err)
	}
	cfg.SetDefaultValues()
	if err := cfg.Merge.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
