// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package stats reads the sibling stats file a crawl subprocess may
// write on exit. The file is optional and advisory; absence is not an
// error for callers, who treat it as zero evidence.
package stats

import (
	"encoding/json"
	"fmt"
	"os"
)

// File is the subprocess-reported crawl summary.
type File struct {
	ItemScrapedCount int64  `json:"item_scraped_count"`
	RequestCount     int64  `json:"downloader/request_count"`
	FinishReason     string `json:"finish_reason"`
}

// Read parses the stats file at path. A missing file returns (nil, nil);
// a present but unreadable file returns an error.
func Read(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stats file: %w", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid stats file %s: %w", path, err)
	}
	return &f, nil
}
