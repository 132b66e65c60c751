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

import "github.com/crawld/crawld/internal/stats"

// readStatsFile adapts the stats package to the StatsReader shape.
// Absent or unreadable files yield no evidence.
func readStatsFile(path string) (items, requests int64, ok bool) {
	f, err := stats.Read(path)
	if err != nil || f == nil {
		return 0, 0, false
	}
	return f.ItemScrapedCount, f.RequestCount, true
}
