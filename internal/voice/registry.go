package voice

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the recognition and synthesis capabilities available to the
// process. It is populated once at startup and read by the orchestrators.
type Registry struct {
	mu         sync.RWMutex
	stt        map[string]STTProvider
	tts        map[string]TTSProvider
	defaultSTT string
	defaultTTS string
}

func NewRegistry() *Registry {
	return &Registry{
		stt: make(map[string]STTProvider),
		tts: make(map[string]TTSProvider),
	}
}

// RegisterSTT adds p; the first registered provider becomes the default.
func (r *Registry) RegisterSTT(p STTProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[p.Name()] = p
	if r.defaultSTT == "" {
		r.defaultSTT = p.Name()
	}
}

func (r *Registry) RegisterTTS(p TTSProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[p.Name()] = p
	if r.defaultTTS == "" {
		r.defaultTTS = p.Name()
	}
}

// STT returns the named provider, or the default when name is empty.
func (r *Registry) STT(name string) (STTProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultSTT
	}
	p, ok := r.stt[name]
	if !ok {
		return nil, fmt.Errorf("stt provider %q not registered", name)
	}
	return p, nil
}

func (r *Registry) TTS(name string) (TTSProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultTTS
	}
	p, ok := r.tts[name]
	if !ok {
		return nil, fmt.Errorf("tts provider %q not registered", name)
	}
	return p, nil
}

func (r *Registry) Names() (stt []string, tts []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name := range r.stt {
		stt = append(stt, name)
	}
	for name := range r.tts {
		tts = append(tts, name)
	}
	sort.Strings(stt)
	sort.Strings(tts)
	return stt, tts
}
