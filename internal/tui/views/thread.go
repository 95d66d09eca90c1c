package views

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/matheus3301/tripchat/internal/timeline"
)

// Thread is the conversation view: the scrolling message list plus the
// composer input at the bottom.
type Thread struct {
	*tview.Flex
	messages *tview.TextView
	composer *tview.InputField
	onSend   func(text string)
}

// NewThread creates the conversation view.
func NewThread() *Thread {
	messages := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	messages.SetBorder(true)

	composer := tview.NewInputField().
		SetLabel(" > ").
		SetFieldBackgroundColor(tcell.ColorDefault)
	composer.SetBorder(true)

	t := &Thread{
		Flex:     tview.NewFlex().SetDirection(tview.FlexRow),
		messages: messages,
		composer: composer,
	}
	t.AddItem(messages, 0, 1, false)
	t.AddItem(composer, 3, 0, true)

	composer.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := composer.GetText()
		composer.SetText("")
		if t.onSend != nil {
			t.onSend(text)
		}
	})

	return t
}

// SetOnSend registers the callback invoked when the composer is submitted.
func (t *Thread) SetOnSend(fn func(text string)) {
	t.onSend = fn
}

// SetTitleLabel sets the thread border title.
func (t *Thread) SetTitleLabel(label string) {
	t.messages.SetTitle(" " + sanitizeForTerminal(label) + " ")
}

// Composer exposes the input field for focus management.
func (t *Thread) Composer() *tview.InputField {
	return t.composer
}

// Update re-renders the message list. counterpart labels messages authored
// by the other participant; own messages are labeled "You". Messages still
// awaiting server confirmation get a pending marker.
func (t *Thread) Update(msgs []timeline.Message, counterpart string) {
	t.messages.Clear()

	if counterpart == "" {
		counterpart = "Them"
	}

	for _, m := range msgs {
		label := counterpart
		color := "green"
		if m.Authorship == timeline.Self {
			label = "You"
			color = "blue"
		}

		pending := ""
		if m.Origin == timeline.OriginLocal {
			pending = " [gray]…[-]"
		}

		_, _ = fmt.Fprintf(t.messages, "[%s::b]%s[-:-:-] [gray]%s[-]\n%s%s\n\n",
			color,
			sanitizeForTerminal(label),
			m.SentAt.Local().Format("15:04"),
			tview.Escape(sanitizeForTerminal(m.Text)),
			pending,
		)
	}

	t.messages.ScrollToEnd()
}
