package queue

import (
	"strings"

	"qms/branch-queue/internal/models"
)

// OtherService is the kiosk choice for a free-text request.
const OtherService = "Other"

type router struct {
	services map[string]int
	fallback int
}

func newRouter(counters []models.Counter, fallback int) router {
	r := router{services: make(map[string]int, len(counters)), fallback: fallback}
	for _, counter := range counters {
		key := serviceKey(counter.Service)
		if key == "" {
			continue
		}
		if _, exists := r.services[key]; !exists {
			r.services[key] = counter.CounterID
		}
	}
	return r
}

// resolve returns the counter serving a request and the free-text service
// to keep on the ticket. Unknown services go to the fallback counter.
func (r router) resolve(service, custom string) (int, string) {
	if strings.EqualFold(strings.TrimSpace(service), OtherService) {
		if custom == "" {
			custom = service
		}
		return r.fallback, custom
	}
	if counterID, ok := r.services[serviceKey(service)]; ok {
		return counterID, ""
	}
	if custom == "" {
		custom = service
	}
	return r.fallback, custom
}

func serviceKey(service string) string {
	return strings.ToLower(strings.Join(strings.Fields(service), " "))
}
