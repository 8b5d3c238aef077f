package console

import (
	"strings"

	"github.com/chzyer/readline"
)

const Yes = "y"

// yesNoConstraints default to "no" so that a bare enter never confirms
var yesNoConstraints = []string{"n", "y"}

// YesOrNo asks a confirmation question and reports whether it was accepted.
func YesOrNo(question string) (bool, error) {
	answer, err := Prompt(question, yesNoConstraints...)
	if err != nil {
		return false, err
	}
	return answer == Yes, nil
}

// Prompt reads one answer out of constraints. The first constraint is the
// default and answers outside the list fall back to it.
func Prompt(question string, constraints ...string) (string, error) {
	rl, err := readline.New(promptText(question, constraints))
	if err != nil {
		return "", err
	}
	defer rl.Close()
	response, err := rl.Readline()
	if err != nil {
		return "", err
	}
	return pick(response, constraints), nil
}

// promptText renders "question [DEFAULT/other]:".
func promptText(question string, constraints []string) string {
	var prompt strings.Builder
	prompt.WriteString(question)
	prompt.WriteString(" [")
	prompt.WriteString(strings.ToUpper(constraints[0]))
	for i := 1; i < len(constraints); i++ {
		prompt.WriteString("/")
		prompt.WriteString(constraints[i])
	}
	prompt.WriteString("]:")
	return prompt.String()
}

func pick(response string, constraints []string) string {
	normalized := strings.ToLower(strings.TrimSpace(response))
	for _, c := range constraints {
		if normalized == c {
			return normalized
		}
	}
	return constraints[0]
}

// Session is an interactive line reader with history.
type Session struct {
	rl *readline.Instance
}

func NewSession(prompt string) (*Session, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, err
	}
	return &Session{rl: rl}, nil
}

// Next returns the next non-empty line. It returns io.EOF or
// readline.ErrInterrupt when the user quits.
func (s *Session) Next() (string, error) {
	for {
		line, err := s.rl.Readline()
		if err != nil {
			return "", err
		}
		line = strings.TrimSpace(line)
		if line != "" {
			return line, nil
		}
	}
}

func (s *Session) Close() error {
	return s.rl.Close()
}
