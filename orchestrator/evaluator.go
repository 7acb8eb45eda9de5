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
	"context"
	"strings"
	"unicode"
)

// HeuristicEvaluator is the default CriterionEvaluator. It scores messages
// with cheap lexical heuristics so a voting round never needs an extra
// provider call. An LLM-backed evaluator can replace it for higher-stakes
// sessions.
type HeuristicEvaluator struct {
	// Topic, when set, anchors the relevance score via keyword overlap.
	Topic string
}

var evidenceIndicators = []string{
	"study", "studies", "trial", "evidence", "data", "research",
	"according", "published", "measured", "observed", "demonstrated",
}

var hedgeIndicators = []string{
	"maybe", "perhaps", "possibly", "might be", "could be", "unclear",
	"not sure", "i think", "i believe", "probably",
}

var structureIndicators = []string{
	"first", "second", "third", "finally", "therefore", "however",
	"in conclusion", "because", "consequently", "moreover",
}

func (e *HeuristicEvaluator) Score(_ context.Context, _ *Participant, msg *Message, criterion Criterion) (float64, error) {
	text := strings.ToLower(msg.Text)

	var score float64
	switch criterion {
	case CriterionFactualAccuracy:
		score = scoreFactualAccuracy(text)
	case CriterionRelevance:
		score = e.scoreRelevance(text)
	case CriterionConsistency:
		score = scoreConsistency(text, msg.Confidence)
	case CriterionCompleteness:
		score = scoreCompleteness(text)
	case CriterionClarity:
		score = scoreClarity(text)
	default:
		score = 0.5
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}

// scoreFactualAccuracy rewards cited evidence and numbers, and penalizes
// hedging language.
func scoreFactualAccuracy(text string) float64 {
	score := 0.5
	for _, indicator := range evidenceIndicators {
		if strings.Contains(text, indicator) {
			score += 0.08
		}
	}
	if strings.ContainsFunc(text, unicode.IsDigit) {
		score += 0.1
	}
	for _, hedge := range hedgeIndicators {
		if strings.Contains(text, hedge) {
			score -= 0.05
		}
	}
	return score
}

// scoreRelevance measures keyword overlap with the debate topic when one is
// configured, otherwise falls back to content-word density.
func (e *HeuristicEvaluator) scoreRelevance(text string) float64 {
	words := contentWords(text)
	if len(words) == 0 {
		return 0.1
	}

	if e.Topic == "" {
		return 0.6
	}

	topicWords := contentWords(strings.ToLower(e.Topic))
	if len(topicWords) == 0 {
		return 0.6
	}

	overlap := 0
	for w := range topicWords {
		if _, ok := words[w]; ok {
			overlap++
		}
	}

	score := 0.3 + float64(overlap)/float64(len(topicWords))
	return score
}

// scoreConsistency uses the author's self-reported confidence tempered by
// hedging density: a confident message full of hedges is inconsistent.
func scoreConsistency(text string, confidence float64) float64 {
	hedges := 0
	for _, hedge := range hedgeIndicators {
		if strings.Contains(text, hedge) {
			hedges++
		}
	}

	base := 0.4 + confidence*0.4
	if hedges > 0 && confidence > 0.7 {
		base -= float64(hedges) * 0.1
	}
	return base
}

// scoreCompleteness scales with argument length up to a plateau. A sentence
// fragment scores poorly; so does an essay that rambles past the plateau.
func scoreCompleteness(text string) float64 {
	words := len(strings.Fields(text))
	switch {
	case words < 20:
		return 0.2
	case words < 60:
		return 0.2 + float64(words-20)*0.015
	case words <= 300:
		return 0.8
	default:
		return 0.6
	}
}

// scoreClarity rewards discourse structure and penalizes run-on sentences.
func scoreClarity(text string) float64 {
	score := 0.4
	for _, indicator := range structureIndicators {
		if strings.Contains(text, indicator) {
			score += 0.07
		}
	}

	sentences := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	words := len(strings.Fields(text))
	if len(sentences) > 0 {
		avgLen := float64(words) / float64(len(sentences))
		if avgLen > 40 {
			score -= 0.2
		}
	}
	return score
}
