package rag

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for ingestion and retrieval.
type Metrics struct {
	ChunksTotal    prometheus.Counter
	QuestionsTotal prometheus.Counter
	DocumentsTotal prometheus.Counter
	RetrievalHits  *prometheus.HistogramVec
}

// NewMetrics registers and returns rag metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailwarden_rag_chunks_ingested_total",
			Help: "Chunks written to the chunk collection.",
		}),
		QuestionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailwarden_rag_questions_ingested_total",
			Help: "Hypothetical questions written to the question collection.",
		}),
		DocumentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailwarden_rag_documents_ingested_total",
			Help: "Documents ingested.",
		}),
		RetrievalHits: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailwarden_rag_retrieval_hits",
			Help:    "Chunks returned per retrieval call by path.",
			Buckets: prometheus.LinearBuckets(0, 2, 11), // 0 .. 20
		}, []string{"path"}),
	}

	reg.MustRegister(m.ChunksTotal, m.QuestionsTotal, m.DocumentsTotal, m.RetrievalHits)
	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnIngest: func(chunks, questions int) {
			m.DocumentsTotal.Inc()
			m.ChunksTotal.Add(float64(chunks))
			m.QuestionsTotal.Add(float64(questions))
		},
		OnRetrieve: func(path Path, hits int) {
			m.RetrievalHits.WithLabelValues(string(path)).Observe(float64(hits))
		},
	}
}
