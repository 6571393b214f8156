package worker

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/sendpipe/internal/domain"
)

// Personalizer renders per-recipient Liquid variables into a job's
// subject and bodies. Compiled templates are cached by content, since a
// campaign renders the same source for every recipient.
type Personalizer struct {
	engine *liquid.Engine
	cache  sync.Map // content hash -> *liquid.Template
}

// NewPersonalizer creates a personalizer with the stock Liquid filters plus
// "default".
func NewPersonalizer() *Personalizer {
	engine := liquid.NewEngine()
	// {{ first_name | default: "there" }}
	engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		if s, ok := value.(string); ok && s == "" {
			return fallback
		}
		return value
	})
	return &Personalizer{engine: engine}
}

// Apply renders job's subject, HTML and text in place. Jobs without
// variables are left alone.
func (p *Personalizer) Apply(job *domain.SendJob) error {
	if len(job.Variables) == 0 {
		return nil
	}
	bindings := make(map[string]interface{}, len(job.Variables)+2)
	for k, v := range job.Variables {
		bindings[k] = v
	}
	if _, ok := bindings["email"]; !ok {
		bindings["email"] = job.To
	}
	if _, ok := bindings["contact_id"]; !ok {
		bindings["contact_id"] = job.ContactID
	}

	var err error
	if job.Subject, err = p.render(job.Subject, bindings); err != nil {
		return fmt.Errorf("subject: %w", err)
	}
	if job.HTML, err = p.render(job.HTML, bindings); err != nil {
		return fmt.Errorf("html: %w", err)
	}
	if job.Text, err = p.render(job.Text, bindings); err != nil {
		return fmt.Errorf("text: %w", err)
	}
	return nil
}

func (p *Personalizer) render(src string, bindings map[string]interface{}) (string, error) {
	if !strings.Contains(src, "{{") && !strings.Contains(src, "{%") {
		return src, nil
	}
	key := sha256.Sum256([]byte(src))
	var tpl *liquid.Template
	if cached, ok := p.cache.Load(key); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, perr := p.engine.ParseString(src)
		if perr != nil {
			return "", perr
		}
		p.cache.Store(key, parsed)
		tpl = parsed
	}
	out, rerr := tpl.RenderString(bindings)
	if rerr != nil {
		return "", rerr
	}
	return out, nil
}
