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

package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// crawlToolKey is the settings key overriding the crawl tool binary.
const crawlToolKey = "crawl_tool"

// composeCommand builds the subprocess argv:
//
//	<tool> crawl <spider> -o <output> --format jsonlines -s KEY=VALUE...
//
// Settings are appended in sorted key order so the same effective
// settings always produce the same argv and the same audit digest.
func composeCommand(tool, spiderName, outputPath string, settings map[string]string) []string {
	argv := []string{tool, "crawl", spiderName, "-o", outputPath, "--format", "jsonlines"}

	keys := make([]string, 0, len(settings))
	for k := range settings {
		if k == crawlToolKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		argv = append(argv, "-s", k+"="+settings[k])
	}
	return argv
}

// commandDigest returns the hex SHA-256 of the argv, recorded on the run
// row as an audit trail of what was actually executed.
func commandDigest(argv []string) string {
	sum := sha256.Sum256([]byte(strings.Join(argv, "\x00")))
	return hex.EncodeToString(sum[:])
}

// mergeSettings overlays layers left to right; later layers win.
func mergeSettings(layers ...map[string]string) map[string]string {
	merged := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged
}
