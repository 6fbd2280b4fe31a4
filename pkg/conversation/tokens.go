// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package conversation

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// messageOverheadTokens approximates per-message formatting cost (role,
// delimiters) on top of content tokens.
const messageOverheadTokens = 10

// TokenCounter provides token counting for context budgeting.
// Uses tiktoken with cl100k_base encoding as a cross-model approximation.
type TokenCounter struct {
	mu      sync.Mutex
	encoder *tiktoken.Tiktoken
}

var (
	globalTokenCounter *TokenCounter
	counterInitOnce    sync.Once
)

// GetTokenCounter returns the singleton token counter.
func GetTokenCounter() *TokenCounter {
	counterInitOnce.Do(func() {
		tkm, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			// Approximate counting when the encoding cannot be loaded.
			globalTokenCounter = &TokenCounter{}
			return
		}
		globalTokenCounter = &TokenCounter{encoder: tkm}
	})
	return globalTokenCounter
}

// Count returns the token count for text, falling back to a char-based
// estimate when no encoder is available.
func (tc *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if tc.encoder == nil {
		return len(text) / 4
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.encoder.Encode(text, nil, nil))
}
