package voice

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Console is a text-only Listener, Transcriber and Speaker. Each input
// line is one utterance; replies are written with a speaker prefix.
type Console struct {
	out    io.Writer
	prompt string
	name   string

	once  sync.Once
	in    io.Reader
	lines chan consoleLine
	outMu sync.Mutex
}

type consoleLine struct {
	text string
	err  error
}

// NewConsole reads utterances from in and writes replies to out.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{
		in:     in,
		out:    out,
		prompt: "> ",
		name:   "Alice",
	}
}

// start launches the reader goroutine so Listen can honor ctx while the
// underlying read blocks.
func (c *Console) start() {
	c.lines = make(chan consoleLine)
	go func() {
		defer close(c.lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			c.lines <- consoleLine{text: sc.Text()}
		}
		err := sc.Err()
		if err == nil {
			err = io.EOF
		}
		c.lines <- consoleLine{err: err}
	}()
}

// Listen returns the next non-blank line as an utterance.
func (c *Console) Listen(ctx context.Context) (Audio, error) {
	c.once.Do(c.start)

	for {
		c.writePrompt()
		select {
		case <-ctx.Done():
			return Audio{}, ctx.Err()
		case l, ok := <-c.lines:
			if !ok {
				return Audio{}, io.EOF
			}
			if l.err == io.EOF {
				return Audio{}, io.EOF
			}
			if l.err != nil {
				return Audio{}, &AudioError{Stage: StageListen, Err: l.err}
			}
			text := strings.TrimSpace(l.text)
			if text == "" {
				continue
			}
			return Audio{Format: "text", Text: text}, nil
		}
	}
}

// Transcribe returns the text carried by console input.
func (c *Console) Transcribe(_ context.Context, a Audio) (string, error) {
	return a.Text, nil
}

// Speak prints text as plain prose.
func (c *Console) Speak(_ context.Context, text string) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if _, err := fmt.Fprintf(c.out, "%s: %s\n", c.name, PlainText(text)); err != nil {
		return &AudioError{Stage: StageSpeak, Err: err}
	}
	return nil
}

func (c *Console) writePrompt() {
	if c.prompt == "" {
		return
	}
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprint(c.out, c.prompt)
}
