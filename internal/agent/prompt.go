package agent

import (
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/leadbot/internal/session"
)

// DefaultSystemPrompt is used when no prompt is configured.
const DefaultSystemPrompt = `Você é um corretor de imóveis virtual, simpático e objetivo, atendendo leads pelo chat.
Qualifique o lead fazendo uma pergunta por vez: se quer comprar ou alugar, o tipo de imóvel, qual cidade e quantos quartos.
Ao apresentar um imóvel, sempre inclua a linha "Código: <código do imóvel>".
Seu objetivo principal é agendar uma visita. Quando o lead aceitar e a data estiver definida, confirme com a frase "visita agendada".`

// buildMessages assembles the system prompt, the context note and the
// session history.
func (a *Agent) buildMessages(s session.Session, name string, score int) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(s.History)+2)
	msgs = append(msgs,
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: a.systemPrompt},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: a.contextNote(s, name, score)},
	)
	for _, t := range s.History {
		role := openai.ChatMessageRoleUser
		if t.Role == session.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	return msgs
}

func (a *Agent) contextNote(s session.Session, name string, score int) string {
	if name == "" {
		name = "desconhecido"
	}
	var b strings.Builder
	b.WriteString("Contexto do atendimento:\n")
	fmt.Fprintf(&b, "- Etapa: %s\n", s.Stage)
	fmt.Fprintf(&b, "- Mensagens do lead: %d\n", s.Turns)
	fmt.Fprintf(&b, "- Nome do lead: %s\n", name)
	fmt.Fprintf(&b, "- Pontuação do lead: %d/100\n", score)
	b.WriteString("Seja assertivo e conduza a conversa para o agendamento de uma visita.\n")
	fmt.Fprintf(&b, "Para enviar várias mensagens em sequência, separe-as com %q.", a.segmentMarker)
	return b.String()
}
