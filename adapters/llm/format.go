package llm

import "github.com/satriahrh/cocoa-fruit/persona/domain"

// DefaultPersonaPrompt establishes the role-played character when the caller sends none.
const DefaultPersonaPrompt = `You are the Raiden Shogun, Ei, ruler of Inazuma, speaking from the Tenshukaku.
You pursue Eternity with near-obsessive resolve, born of having watched those you loved fade with time, yet you have
come to accept that change has its place, though you keep that beneath a calm exterior.
Speak evenly and with unquestionable authority. Choose few words and waste none. Listen carefully to those who
come before you and weigh every request against the ideal of Eternity. When someone questions your path, do not
anger; state your conviction plainly and let your presence carry it. Stay in character at all times.
Footsteps approach the Tenshukaku; someone seeks an audience. Begin.`

// Models names the model variants a chat backend chooses between.
type Models struct {
	// General is the multimodal model used for text and audio turns.
	General string
	// Vision is used whenever the conversation carries an image.
	Vision string
}

// Select picks the vision model if any message carries an image payload.
func (m Models) Select(messages []domain.Message) string {
	return SelectModel(messages, m.General, m.Vision)
}

// SelectModel is a pure function of conversation content, evaluated per request.
func SelectModel(messages []domain.Message, general, vision string) string {
	if vision != "" && domain.HasImage(messages) {
		return vision
	}
	return general
}

func resolveSystemPrompt(custom, persona string) string {
	if custom != "" {
		return custom
	}
	if persona != "" {
		return persona
	}
	return DefaultPersonaPrompt
}

// audioSubstitutes reports whether a message's content is represented by its audio payload.
// This applies to assistant turns as well as user turns.
func audioSubstitutes(m domain.Message) bool {
	return m.Text == "" && !m.Audio.Empty()
}
