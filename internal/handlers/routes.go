package handlers

import "github.com/go-chi/chi/v5"

func RegisterRoutes(r chi.Router, eventPath string, queue *QueueHandler, events *EventHandler, devices *DeviceHandler) {
	r.Post(eventPath, events.ReceiveEvent)

	r.Route("/api", func(r chi.Router) {
		r.Post("/commands", queue.CreateCommand)
		r.Get("/queue/pending", queue.ListPending)
		r.Get("/queue/failed", queue.ListFailed)
		r.Get("/events", events.ListRecent)
		r.Get("/devices/{address}/status", devices.GetStatus)
	})
}
