package situation

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/alice/internal/homeassistant"
	"github.com/nugget/alice/internal/memory"
)

// ClockProvider reports the current time in a fixed timezone.
type ClockProvider struct {
	loc     *time.Location
	nowFunc func() time.Time
}

// NewClockProvider returns a clock for loc. A nil loc means time.Local.
func NewClockProvider(loc *time.Location) *ClockProvider {
	if loc == nil {
		loc = time.Local
	}
	return &ClockProvider{loc: loc, nowFunc: time.Now}
}

// Query returns the current time.
func (c *ClockProvider) Query(context.Context) (time.Time, bool, error) {
	return c.nowFunc().In(c.loc), true, nil
}

// StateGetter fetches a Home Assistant entity state.
type StateGetter interface {
	GetState(ctx context.Context, entityID string) (*homeassistant.State, error)
}

// getState returns the entity state, treating a missing or unavailable
// entity as no value.
func getState(ctx context.Context, ha StateGetter, entityID string) (*homeassistant.State, bool, error) {
	st, err := ha.GetState(ctx, entityID)
	if err != nil {
		var apiErr *homeassistant.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	if !st.Available() {
		return nil, false, nil
	}
	return st, true, nil
}

// LocationProvider reads a person or device_tracker entity. Home
// Assistant reports "home", "not_home", or the name of a zone.
type LocationProvider struct {
	ha       StateGetter
	entityID string
}

// NewLocationProvider creates a location provider for entityID.
func NewLocationProvider(ha StateGetter, entityID string) *LocationProvider {
	return &LocationProvider{ha: ha, entityID: entityID}
}

// Query returns the user's location.
func (p *LocationProvider) Query(ctx context.Context) (string, bool, error) {
	st, ok, err := getState(ctx, p.ha, p.entityID)
	if !ok || err != nil {
		return "", false, err
	}
	switch strings.ToLower(st.State) {
	case "home":
		return "home", true, nil
	case "not_home":
		return "away", true, nil
	default:
		return st.State, true, nil
	}
}

// ActivityProvider reads an entity whose state names an Activity, such
// as an input_select maintained by automations.
type ActivityProvider struct {
	ha       StateGetter
	entityID string
}

// NewActivityProvider creates an activity provider for entityID.
func NewActivityProvider(ha StateGetter, entityID string) *ActivityProvider {
	return &ActivityProvider{ha: ha, entityID: entityID}
}

// Query returns the current activity. Unrecognized states yield no
// value.
func (p *ActivityProvider) Query(ctx context.Context) (Activity, bool, error) {
	st, ok, err := getState(ctx, p.ha, p.entityID)
	if !ok || err != nil {
		return "", false, err
	}
	a, ok := ParseActivity(st.State)
	return a, ok, nil
}

// RecentReader exposes recent conversation messages.
type RecentReader interface {
	Recent(window int) []memory.Message
}

// moodLexicon lists cue words per mood in priority order for ties.
var moodLexicon = []struct {
	mood  Mood
	words []string
}{
	{MoodStressed, []string{"stressed", "stressful", "anxious", "overwhelmed", "worried", "panic", "pressure", "deadline", "frantic", "swamped"}},
	{MoodSad, []string{"sad", "lonely", "upset", "unhappy", "depressed", "miserable", "cry", "crying", "heartbroken", "down"}},
	{MoodTired, []string{"tired", "exhausted", "sleepy", "drained", "worn", "fatigued", "yawn"}},
	{MoodHappy, []string{"happy", "great", "awesome", "excited", "glad", "wonderful", "fantastic", "love", "yay", "thrilled"}},
	{MoodCalm, []string{"calm", "relaxed", "peaceful", "chill", "content", "rested", "serene"}},
}

type utteranceKey struct{}

// WithUtterance attaches the user message being answered to ctx so that
// providers can read it before it reaches the conversation history.
func WithUtterance(ctx context.Context, text string) context.Context {
	return context.WithValue(ctx, utteranceKey{}, text)
}

// Utterance returns the message attached by [WithUtterance].
func Utterance(ctx context.Context) (string, bool) {
	text, ok := ctx.Value(utteranceKey{}).(string)
	return text, ok && strings.TrimSpace(text) != ""
}

// MoodInferrer guesses mood from the words in the user's current and
// recent messages. With no cue words it offers no value rather than a
// guess.
type MoodInferrer struct {
	history  RecentReader
	lookback int
}

// NewMoodInferrer reads the last lookback user messages from history.
func NewMoodInferrer(history RecentReader, lookback int) *MoodInferrer {
	if lookback <= 0 {
		lookback = 3
	}
	return &MoodInferrer{history: history, lookback: lookback}
}

// Query returns the inferred mood.
func (m *MoodInferrer) Query(ctx context.Context) (Mood, bool, error) {
	// Scan a wider window so assistant replies do not crowd out the
	// user's own messages.
	msgs := m.history.Recent(m.lookback * 2)

	var texts []string
	if text, ok := Utterance(ctx); ok {
		texts = append(texts, text)
	}
	for i := len(msgs) - 1; i >= 0 && len(texts) < m.lookback; i-- {
		if msgs[i].Role == memory.RoleUser {
			texts = append(texts, msgs[i].Content)
		}
	}
	if len(texts) == 0 {
		return "", false, nil
	}
	mood, ok := InferMood(strings.Join(texts, " "))
	return mood, ok, nil
}

// InferMood scores text against the mood lexicon.
func InferMood(text string) (Mood, bool) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r == '\'')
	})
	counts := make(map[string]int, len(words))
	for _, w := range words {
		counts[w]++
	}

	best, bestScore := Mood(""), 0
	for _, entry := range moodLexicon {
		score := 0
		for _, w := range entry.words {
			score += counts[w]
		}
		if score > bestScore {
			best, bestScore = entry.mood, score
		}
	}
	return best, bestScore > 0
}
