package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/seshat-labs/seshat/src/memory/model"
)

// Injection strategies for retrieved memory.
const (
	InjectUserPrompt    = "user_prompt"
	InjectSystemPrompt  = "system_prompt"
	InjectSystemContext = "system_context"
)

// Default wrappers around an injected memory block.
const (
	DefaultBlockPrefix = "<memory>"
	DefaultBlockSuffix = "</memory>"
)

// PromptRequest is the mutable view of an outgoing LLM request that the
// engine's hooks operate on.
type PromptRequest struct {
	Prompt       string
	SystemPrompt string
	Contexts     []model.Message
}

// FormatHits renders search hits as one bullet line per memory, oldest
// first, timestamped from the record's create time.
func FormatHits(hits []model.SearchHit) string {
	recs := make([]model.MemoryRecord, 0, len(hits))
	for _, h := range hits {
		recs = append(recs, h.Record)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreateTime < recs[j].CreateTime })
	var b strings.Builder
	for _, rec := range recs {
		fmt.Fprintf(&b, "- [%s] %s\n", rec.CreatedAt().Format("2006-01-02 15:04:05"), rec.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// WrapBlock surrounds the formatted hits with the configured prefix and
// suffix so later turns can find and strip the block again.
func WrapBlock(body, prefix, suffix string) string {
	if prefix == "" {
		prefix = DefaultBlockPrefix
	}
	if suffix == "" {
		suffix = DefaultBlockSuffix
	}
	return prefix + "\n" + body + "\n" + suffix
}

// StripBlocks removes previously injected memory blocks from text, keeping
// only the last retain blocks. retain 0 strips every block; a negative
// retain keeps everything untouched. Unpaired markers are left alone.
func StripBlocks(text, prefix, suffix string, retain int) string {
	if retain < 0 || text == "" {
		return text
	}
	if prefix == "" {
		prefix = DefaultBlockPrefix
	}
	if suffix == "" {
		suffix = DefaultBlockSuffix
	}

	type span struct{ start, end int }
	var spans []span
	for i := 0; i < len(text); {
		start := strings.Index(text[i:], prefix)
		if start < 0 {
			break
		}
		start += i
		end := strings.Index(text[start+len(prefix):], suffix)
		if end < 0 {
			break
		}
		end += start + len(prefix) + len(suffix)
		spans = append(spans, span{start, end})
		i = end
	}
	if len(spans) <= retain {
		return text
	}

	var b strings.Builder
	last := 0
	for _, sp := range spans[:len(spans)-retain] {
		segment := text[last:sp.start]
		b.WriteString(segment)
		last = sp.end
		// Swallow the newline the injection added after the block.
		if last < len(text) && text[last] == '\n' {
			last++
		}
	}
	b.WriteString(text[last:])
	return b.String()
}

// stripContextEntries removes whole system-context entries that are memory
// blocks, keeping the last retain of them.
func stripContextEntries(contexts []model.Message, prefix, suffix string, retain int) []model.Message {
	if retain < 0 {
		return contexts
	}
	if prefix == "" {
		prefix = DefaultBlockPrefix
	}
	if suffix == "" {
		suffix = DefaultBlockSuffix
	}
	var blockIdx []int
	for i, m := range contexts {
		trimmed := strings.TrimSpace(m.Content)
		if m.Role == model.RoleSystem && strings.HasPrefix(trimmed, prefix) && strings.HasSuffix(trimmed, suffix) {
			blockIdx = append(blockIdx, i)
		}
	}
	if len(blockIdx) <= retain {
		return contexts
	}
	drop := make(map[int]bool, len(blockIdx)-retain)
	for _, i := range blockIdx[:len(blockIdx)-retain] {
		drop[i] = true
	}
	out := make([]model.Message, 0, len(contexts))
	for i, m := range contexts {
		if !drop[i] {
			out = append(out, m)
		}
	}
	return out
}

// Inject places the memory block into the request according to the strategy.
// Unknown strategies fall back to user-prompt prepending.
func Inject(req *PromptRequest, block, strategy string) {
	switch strategy {
	case InjectSystemPrompt:
		if req.SystemPrompt == "" {
			req.SystemPrompt = block
		} else {
			req.SystemPrompt = req.SystemPrompt + "\n" + block
		}
	case InjectSystemContext:
		req.Contexts = append(req.Contexts, model.Message{
			Role:      model.RoleSystem,
			Content:   block,
			Timestamp: time.Now(),
		})
	default:
		if req.Prompt == "" {
			req.Prompt = block
		} else {
			req.Prompt = block + "\n" + req.Prompt
		}
	}
}

// StripInjected removes stale memory blocks from every part of the request
// per the retention policy.
func StripInjected(req *PromptRequest, prefix, suffix string, retain int) {
	req.Prompt = StripBlocks(req.Prompt, prefix, suffix, retain)
	req.SystemPrompt = StripBlocks(req.SystemPrompt, prefix, suffix, retain)
	req.Contexts = stripContextEntries(req.Contexts, prefix, suffix, retain)
}
