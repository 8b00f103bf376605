package main

import "sync"

// runtimeSettings is the admin-mutable subset of configuration. The
// rest of config is fixed at startup; these few knobs take effect on
// the next request or sweep.
type runtimeSettings struct {
	mu                  sync.RWMutex
	preserveChats       bool
	padtxtLength        int
	humanName           string
	assistantName       string
	useRealRoles        bool
	allowExternalImages bool
}

func newRuntimeSettings(cfg config) *runtimeSettings {
	return &runtimeSettings{
		preserveChats:       cfg.preserveChats,
		padtxtLength:        cfg.padtxtLength,
		humanName:           cfg.humanName,
		assistantName:       cfg.assistantName,
		useRealRoles:        cfg.useRealRoles,
		allowExternalImages: cfg.allowExternalImages,
	}
}

type settingsView struct {
	PreserveChats       bool   `json:"preserve_chats"`
	PadtxtLength        int    `json:"padtxt_length"`
	HumanName           string `json:"human_name"`
	AssistantName       string `json:"assistant_name"`
	UseRealRoles        bool   `json:"use_real_roles"`
	AllowExternalImages bool   `json:"allow_external_images"`
}

func (s *runtimeSettings) view() settingsView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return settingsView{
		PreserveChats:       s.preserveChats,
		PadtxtLength:        s.padtxtLength,
		HumanName:           s.humanName,
		AssistantName:       s.assistantName,
		UseRealRoles:        s.useRealRoles,
		AllowExternalImages: s.allowExternalImages,
	}
}

func (s *runtimeSettings) apply(v settingsView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preserveChats = v.PreserveChats
	s.padtxtLength = v.PadtxtLength
	if v.HumanName != "" {
		s.humanName = v.HumanName
	}
	if v.AssistantName != "" {
		s.assistantName = v.AssistantName
	}
	s.useRealRoles = v.UseRealRoles
	s.allowExternalImages = v.AllowExternalImages
}
