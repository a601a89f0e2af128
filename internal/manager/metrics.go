package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	chatsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatd",
		Subsystem: "chat",
		Name:      "requests_total",
		Help:      "Chat calls by outcome (ok or error kind)",
	}, []string{"outcome"})
	generatedTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chatd",
		Name:      "generation_tokens_total",
		Help:      "Tokens generated by completed chat calls",
	})
	promptTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chatd",
		Name:      "prompt_tokens_total",
		Help:      "Prompt tokens evaluated by completed chat calls",
	})
)

func init() {
	prometheus.MustRegister(chatsTotal, generatedTokens, promptTokens)
}
