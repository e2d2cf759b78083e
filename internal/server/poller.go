package server

import (
	"context"
	"log"
	"time"

	"clipline/internal/engine"
)

// renderPoller drives unfinished render jobs from the server side so a
// project keeps progressing after the submitting client disconnects.
type renderPoller struct {
	engine *engine.Engine
}

func startRenderPoller(e *engine.Engine) {
	p := &renderPoller{engine: e}
	go p.run()
}

func (p *renderPoller) run() {
	ticker := time.NewTicker(engine.PollInterval)
	defer ticker.Stop()
	for {
		p.pollAll()
		<-ticker.C
	}
}

func (p *renderPoller) pollAll() {
	ctx := context.Background()
	jobs, err := p.engine.Repo.ActiveRenderJobs(ctx)
	if err != nil {
		log.Printf("[render] fetch active jobs failed: %v", err)
		return
	}
	for _, job := range jobs {
		if _, err := p.engine.PollRenderJob(ctx, job.ID); err != nil {
			log.Printf("[render] poll job %s failed: %v", job.ID, err)
		}
	}
}
