package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"clipline/internal/domain"
	"clipline/internal/events"
	"clipline/internal/retry"
)

const (
	// Per-scene synthesis gets one retry with a fixed delay. Billing
	// errors are terminal for that scene and skip the retry.
	ttsMaxAttempts = 2
	ttsRetryDelay  = 2 * time.Second

	// Pause between scenes so the speech provider's rate limiter stays
	// happy. Skipped after the last scene.
	interSceneDelay = 3 * time.Second

	minVoiceoverChars = 3
)

// VoiceoverReport summarizes one pipeline run.
type VoiceoverReport struct {
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	URLs      map[string]string `json:"urls,omitempty"`
}

// SynthesizeVoiceovers runs the voiceover pipeline for every scene of a
// project, strictly in order. Scenes whose sanitized text is too short are
// skipped without a provider call. One failing scene does not stop the rest;
// URLs that were produced are persisted even when others failed.
func (e *Engine) SynthesizeVoiceovers(ctx context.Context, projectID, voiceID, actorID string) (VoiceoverReport, error) {
	release, err := e.acquire()
	if err != nil {
		return VoiceoverReport{}, err
	}
	defer release()

	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return VoiceoverReport{}, err
	}
	return e.synthesizeVoiceovers(ctx, p, voiceID, actorID)
}

// synthesizeVoiceovers is the guard-free core, shared with the narrator pass
// of blueprint generation.
func (e *Engine) synthesizeVoiceovers(ctx context.Context, p domain.Project, voiceID, actorID string) (VoiceoverReport, error) {
	if p.Script == nil || len(p.Script.Scenes) == 0 {
		return VoiceoverReport{}, errors.New("project has no scenes")
	}
	if voiceID == "" {
		voiceID = p.VoiceID
	}
	providerVoice := e.Config.VoiceProviderID(voiceID)
	if providerVoice == "" {
		return VoiceoverReport{}, errors.New("no voice selected and no default voice configured")
	}

	report := VoiceoverReport{Total: len(p.Script.Scenes), URLs: map[string]string{}}
	var sceneErrs []error

	policy := retry.Policy{
		MaxAttempts: ttsMaxAttempts,
		Backoff:     retry.Fixed(ttsRetryDelay),
		Retryable:   func(err error) bool { return !IsBillingIssue(err) },
		Sleep:       e.sleep,
	}

	for i, scene := range p.Script.Scenes {
		if i > 0 {
			e.sleep(interSceneDelay)
		}
		text := sanitizeSpeechText(scene.Voiceover)
		if len([]rune(text)) < minVoiceoverChars {
			log.Printf("[voiceover] scene %d: text too short, skipped", i)
			continue
		}
		var audio []byte
		err := policy.Do(ctx, func() error {
			var synthErr error
			audio, synthErr = e.Speech.Synthesize(ctx, text, providerVoice)
			return synthErr
		})
		if err != nil {
			log.Printf("[voiceover] scene %d: %v", i, err)
			sceneErrs = append(sceneErrs, fmt.Errorf("scene %d: %w", i, err))
			continue
		}
		key := fmt.Sprintf("projects/%s/voiceover/%d.mp3", p.ID, i)
		url, err := e.Storage.Upload(ctx, key, "audio/mpeg", audio)
		if err != nil {
			log.Printf("[voiceover] scene %d upload: %v", i, err)
			sceneErrs = append(sceneErrs, fmt.Errorf("scene %d upload: %w", i, err))
			continue
		}
		report.URLs[strconv.Itoa(i)] = url
		report.Succeeded++
	}

	// The voice choice is persisted even on a total failure so a retry
	// does not need to reselect it.
	p.VoiceID = voiceID
	if report.Succeeded > 0 {
		if p.VoiceoverURLs == nil {
			p.VoiceoverURLs = map[string]string{}
		}
		for k, v := range report.URLs {
			p.VoiceoverURLs[k] = v
		}
	}
	if _, err := e.saveProject(ctx, p, events.TypeVoiceoverSynthesized, actorID, events.EventPayload{
		"succeeded": report.Succeeded, "total": report.Total,
	}); err != nil {
		return report, err
	}
	log.Printf("[voiceover] project %s: %d/%d scenes synthesized", p.ID, report.Succeeded, report.Total)

	if report.Succeeded == 0 && len(sceneErrs) > 0 {
		return report, fmt.Errorf("all voiceovers failed: %w", errors.Join(sceneErrs...))
	}
	return report, nil
}

// sanitizeSpeechText strips markup the script may carry so the speech
// provider never reads formatting characters aloud.
func sanitizeSpeechText(s string) string {
	r := strings.NewReplacer("*", "", "_", "", "#", "", "`", "", "~", "", ">", "")
	return strings.Join(strings.Fields(r.Replace(s)), " ")
}
