// Copyright 2026 Concord
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"strings"
	"unicode"
)

// ConsensusEstimator scores agreement among recent expert messages in [0,1].
// Implementations must be deterministic: identical inputs produce identical
// scores, since the controller re-evaluates after every message with no
// added latency budget. A semantic estimator can be substituted behind this
// interface.
type ConsensusEstimator interface {
	Estimate(window []*Message) float64
}

// DefaultConsensusWindow is the number of recent expert messages examined.
const DefaultConsensusWindow = 3

// minContentWordLen filters out short function words.
const minContentWordLen = 4

// KeywordOverlapEstimator measures lexical agreement: the size of the
// content-word intersection across the window relative to the average
// content-word set size. Cheap and explainable rather than semantic.
type KeywordOverlapEstimator struct{}

// Compile-time interface compliance check.
var _ ConsensusEstimator = KeywordOverlapEstimator{}

// Estimate returns 0 with fewer than two messages, otherwise
// |intersection of content-word sets| / average set size, clamped to [0,1].
func (KeywordOverlapEstimator) Estimate(window []*Message) float64 {
	if len(window) < 2 {
		return 0
	}

	sets := make([]map[string]struct{}, 0, len(window))
	for _, m := range window {
		sets = append(sets, contentWords(m.Text))
	}

	common := make(map[string]struct{}, len(sets[0]))
	for w := range sets[0] {
		common[w] = struct{}{}
	}
	for _, set := range sets[1:] {
		for w := range common {
			if _, ok := set[w]; !ok {
				delete(common, w)
			}
		}
	}

	total := 0
	for _, set := range sets {
		total += len(set)
	}
	avg := float64(total) / float64(len(sets))
	if avg < 1 {
		avg = 1
	}

	score := float64(len(common)) / avg
	if score > 1 {
		score = 1
	}
	return score
}

// Divergence is the inverse of consensus.
func Divergence(estimator ConsensusEstimator, window []*Message) float64 {
	return 1.0 - estimator.Estimate(window)
}

// contentWords extracts the lowercase alphabetic words longer than
// minContentWordLen characters.
func contentWords(text string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, raw := range strings.Fields(strings.ToLower(text)) {
		if len(raw) <= minContentWordLen {
			continue
		}
		if !isAlpha(raw) {
			continue
		}
		words[raw] = struct{}{}
	}
	return words
}

func isAlpha(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
