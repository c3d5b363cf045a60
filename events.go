package main

import (
	"murmur/log"
	"murmur/session"
	"murmur/tray"
)

// uiNotifier fans session status out to the tray icon and the TUI.
// The tray field is set after construction, before the orchestrator
// starts, because the tray callbacks need the orchestrator first.
type uiNotifier struct {
	tr *tray.Tray
}

func (n *uiNotifier) ShowStatus(kind session.StatusKind, message string) {
	switch kind {
	case session.StatusRecording:
		if n.tr != nil {
			n.tr.SetRecording(true)
		}
		tuiSend(tuiRecordingStartMsg{})
	case session.StatusIdle:
		if n.tr != nil {
			n.tr.SetRecording(false)
			n.tr.ClearFatal()
		}
		tuiSend(tuiRecordingStopMsg{})
	case session.StatusError:
		if n.tr != nil {
			n.tr.SetRecording(false)
			n.tr.SetTransient(message)
		}
		tuiSend(tuiStatusMsg{Kind: kind, Text: message})
	case session.StatusFatal:
		if n.tr != nil {
			n.tr.SetFatal(message)
		}
		tuiSend(tuiStatusMsg{Kind: kind, Text: message})
	}
}

func (n *uiNotifier) ShowNotification(title, body string) {
	log.Infof("%s: %s", title, body)
	if n.tr != nil {
		n.tr.SetTransient(title)
	}
}
