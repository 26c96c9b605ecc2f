package localnet

import "github.com/VictoriaMetrics/metrics"

var (
	metricAnnouncementsSent     = metrics.NewCounter(`depeche_announcements_sent_total`)
	metricAnnouncementsReceived = metrics.NewCounter(`depeche_announcements_received_total`)
	metricAnnouncementsDropped  = metrics.NewCounter(`depeche_announcements_dropped_total`)

	metricRendezvousSucceeded = metrics.NewCounter(`depeche_rendezvous_total{result="success"}`)
	metricRendezvousFailed    = metrics.NewCounter(`depeche_rendezvous_total{result="failure"}`)

	metricExchangeConnections      = metrics.NewCounter(`depeche_exchange_connections_total`)
	metricExchangeMessagesSent     = metrics.NewCounter(`depeche_exchange_messages_sent_total`)
	metricExchangeMessagesReceived = metrics.NewCounter(`depeche_exchange_messages_received_total`)
)
