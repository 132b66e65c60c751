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

package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/itchyny/gojq"
)

// Fingerprinter computes the stable content hash that deduplicates
// records within a run.
//
// By default the hash covers every payload field in key order, plus the
// stable identity segment of a URL-like field when one is present. A
// per-spider gojq query can replace the default selection entirely; the
// wrong selection causes false-positive deduplication, so the choice is
// the spider author's.
type Fingerprinter struct {
	code *gojq.Code
}

// NewFingerprinter compiles the optional per-spider selection query.
// An empty query selects the default fields.
func NewFingerprinter(query string) (*Fingerprinter, error) {
	f := &Fingerprinter{}
	if query == "" {
		return f, nil
	}
	q, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("invalid fingerprint query: %w", err)
	}
	code, err := gojq.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("failed to compile fingerprint query: %w", err)
	}
	f.code = code
	return f, nil
}

// Fingerprint returns the hex SHA-256 of the record's identity fields.
func (f *Fingerprinter) Fingerprint(payload map[string]any) (string, error) {
	var identity any

	if f.code != nil {
		var outputs []any
		iter := f.code.Run(payload)
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				return "", fmt.Errorf("fingerprint query failed: %w", err)
			}
			outputs = append(outputs, v)
		}
		identity = outputs
	} else {
		// encoding/json writes map keys in sorted order, which makes the
		// marshalled payload a canonical encoding.
		fields := map[string]any{"payload": payload}
		if seg := urlIdentity(payload); seg != "" {
			fields["url_identity"] = seg
		}
		identity = fields
	}

	data, err := json.Marshal(identity)
	if err != nil {
		return "", fmt.Errorf("failed to encode fingerprint fields: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// urlFieldNames are the payload keys checked for a record's source URL.
var urlFieldNames = []string{"url", "link", "source_url", "page_url"}

// SourceURL returns the record's URL-like field, if any.
func SourceURL(payload map[string]any) string {
	for _, key := range urlFieldNames {
		if v, ok := payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// urlIdentity extracts the path segment that serves as a stable identity:
// the segment after a product-style marker like /dp/ when present,
// otherwise the trailing path segment.
func urlIdentity(payload map[string]any) string {
	raw := SourceURL(payload)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return ""
	}
	for i, seg := range segments {
		if (seg == "dp" || seg == "gp" || seg == "item" || seg == "product") && i+1 < len(segments) {
			return segments[i+1]
		}
	}
	return segments[len(segments)-1]
}
