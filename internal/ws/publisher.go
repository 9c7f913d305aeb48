package ws

import "gif-forge/internal/model"

// Publisher sends job events to the global hub and to the job's own
// watchers. Terminal events close the job's streams.
type Publisher struct {
	hub  *Hub
	jobs *JobHub
}

func NewPublisher(hub *Hub, jobs *JobHub) *Publisher {
	return &Publisher{hub: hub, jobs: jobs}
}

func (p *Publisher) PublishJob(jobID string, evt model.Event) {
	if p.hub != nil {
		p.hub.BroadcastEvent(evt)
	}
	if p.jobs == nil {
		return
	}
	p.jobs.Send(jobID, evt)
	if evt.Type == model.EventJobSucceeded || evt.Type == model.EventJobFailed {
		p.jobs.CloseJob(jobID)
	}
}
