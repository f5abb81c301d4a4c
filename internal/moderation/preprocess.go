package moderation

import (
	"encoding/json"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/slot181/transit-filter-api/internal/types"
)

const (
	// contentBudget caps the total characters submitted for review
	contentBudget = 30000

	// nonUserShare is the fraction of the budget reserved for system,
	// assistant and tool messages before user content is packed
	nonUserShare = 0.5

	minExcerpt  = 200
	truncMarker = "...[content truncated]..."

	oversizeNotice = "The original input was too large to review; it has been replaced by this notice."
)

// NormalizedMessage is a message reduced to reviewable plain text
type NormalizedMessage struct {
	Role    string
	Content string
}

// Preprocessor flattens multipart messages to text and samples oversize
// conversations down to the review budget. The RNG is injectable so sampling
// is deterministic under test.
type Preprocessor struct {
	logger *logrus.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPreprocessor creates a preprocessor drawing randomness from rng
func NewPreprocessor(rng *rand.Rand, logger *logrus.Logger) *Preprocessor {
	return &Preprocessor{rng: rng, logger: logger}
}

// Prepare normalizes the conversation and, when it exceeds the budget,
// samples it down. The second return reports whether the review will be
// partial.
func (p *Preprocessor) Prepare(messages []types.Message) ([]NormalizedMessage, bool) {
	normalized := make([]NormalizedMessage, 0, len(messages))
	total := 0
	for _, msg := range messages {
		n := NormalizedMessage{Role: msg.Role, Content: normalizeContent(&msg)}
		normalized = append(normalized, n)
		total += len(n.Content)
	}

	if total <= contentBudget {
		return normalized, false
	}

	p.logger.WithFields(logrus.Fields{
		"total_chars": total,
		"budget":      contentBudget,
	}).Info("Sampling oversize content for review")

	return p.sample(normalized), true
}

// normalizeContent reduces a message's content to plain text. Multipart
// content keeps only its text parts; string content that parses as JSON is
// re-serialized with indentation for readability.
func normalizeContent(msg *types.Message) string {
	if parts := msg.ContentParts(); parts != nil {
		var texts []string
		for _, part := range parts {
			if part.Type == "text" {
				texts = append(texts, part.Text)
			}
		}
		return strings.Join(texts, "\n")
	}

	s := msg.ContentString()
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var parsed interface{}
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			if pretty, err := json.MarshalIndent(parsed, "", "  "); err == nil {
				return string(pretty)
			}
		}
	}
	return s
}

// sample reduces the conversation under the budget: non-user messages first
// inside their reservation, then user messages by the head/middle/tail or
// shortest-first strategies.
func (p *Preprocessor) sample(messages []NormalizedMessage) []NormalizedMessage {
	var nonUser, user []NormalizedMessage
	for _, m := range messages {
		if m.Role == "user" {
			user = append(user, m)
		} else {
			nonUser = append(nonUser, m)
		}
	}

	var out []NormalizedMessage
	used := 0
	reserve := int(float64(contentBudget) * nonUserShare)

	for _, m := range nonUser {
		if used+len(m.Content) <= reserve {
			out = append(out, m)
			used += len(m.Content)
			continue
		}
		space := reserve - used - len(truncMarker)
		if space > 0 {
			out = append(out, NormalizedMessage{
				Role:    m.Role,
				Content: m.Content[:space] + truncMarker,
			})
			used = reserve
		}
		break
	}

	remaining := contentBudget - used

	var packedUser []NormalizedMessage
	if len(user) == 1 {
		packedUser = []NormalizedMessage{{
			Role:    "user",
			Content: p.excerptSingle(user[0].Content, remaining),
		}}
	} else if len(user) > 1 {
		packedUser = p.packMany(user, remaining)
	}
	out = append(out, packedUser...)

	total := 0
	for _, m := range out {
		total += len(m.Content)
	}
	if total > contentBudget && len(packedUser) > 0 {
		out = out[:len(out)-1]
		total = 0
		for _, m := range out {
			total += len(m.Content)
		}
	}
	if total > contentBudget {
		return []NormalizedMessage{{Role: "system", Content: oversizeNotice}}
	}

	return out
}

// excerptSingle takes head, random-offset middle and tail segments of a
// single oversize user message.
func (p *Preprocessor) excerptSingle(content string, budget int) string {
	seg := int(float64(budget) / 3.5)
	if seg <= 0 || len(content) <= 3*seg {
		if len(content) <= budget {
			return content
		}
		seg = (budget - 2*len(truncMarker)) / 3
		if seg <= 0 {
			return content[:budget]
		}
	}

	head := content[:seg]
	tail := content[len(content)-seg:]

	middleSpan := len(content) - 2*seg
	offset := seg
	if middleSpan > seg {
		p.mu.Lock()
		offset = seg + p.rng.Intn(middleSpan-seg+1)
		p.mu.Unlock()
	}
	end := offset + seg
	if end > len(content)-seg {
		end = len(content) - seg
	}
	middle := content[offset:end]

	return head + truncMarker + middle + truncMarker + tail
}

// packMany includes short user messages whole, then spends what is left on
// shuffled head excerpts of the rest.
func (p *Preprocessor) packMany(user []NormalizedMessage, budget int) []NormalizedMessage {
	sorted := make([]NormalizedMessage, len(user))
	copy(sorted, user)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Content) < len(sorted[j].Content)
	})

	var out []NormalizedMessage
	used := 0
	var leftovers []NormalizedMessage
	for _, m := range sorted {
		if used+len(m.Content) <= budget {
			out = append(out, m)
			used += len(m.Content)
		} else {
			leftovers = append(leftovers, m)
		}
	}

	p.mu.Lock()
	p.rng.Shuffle(len(leftovers), func(i, j int) {
		leftovers[i], leftovers[j] = leftovers[j], leftovers[i]
	})
	p.mu.Unlock()

	for _, m := range leftovers {
		space := budget - used - len(truncMarker)
		if space < minExcerpt {
			break
		}
		if space > len(m.Content) {
			space = len(m.Content)
		}
		out = append(out, NormalizedMessage{
			Role:    m.Role,
			Content: m.Content[:space] + truncMarker,
		})
		used += space + len(truncMarker)
	}

	return out
}

// TotalLength sums the normalized content lengths
func TotalLength(messages []NormalizedMessage) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	return total
}
