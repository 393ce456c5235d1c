/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	queuedEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "spoolq",
			Subsystem: "queue",
			Name:      "queued_entries",
			Help:      "Amount of entries waiting for local processing",
		},
	)
	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "spoolq",
			Subsystem: "queue",
			Name:      "active_workers",
			Help:      "Amount of entries being processed right now",
		},
	)
	localDeliveryFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "spoolq",
			Subsystem: "queue",
			Name:      "local_delivery_failed_total",
			Help:      "Local recipients that failed permanently",
		},
	)
	remoteDeliveryFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "spoolq",
			Subsystem: "queue",
			Name:      "remote_delivery_failed_total",
			Help:      "Entries returned to sender after max linger",
		},
	)
	dsnTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spoolq",
			Subsystem: "queue",
			Name:      "dsn_total",
			Help:      "Delivery status notifications by outcome",
		},
		[]string{"result"},
	)
	pushAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "spoolq",
			Subsystem: "queue",
			Name:      "push_agents",
			Help:      "Amount of registered push agents",
		},
	)
	stageTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spoolq",
			Subsystem: "queue",
			Name:      "stage_transitions_total",
			Help:      "Control file moves between stages",
		},
		[]string{"from", "to"},
	)
)

func init() {
	prometheus.MustRegister(queuedEntries)
	prometheus.MustRegister(activeWorkers)
	prometheus.MustRegister(localDeliveryFailed)
	prometheus.MustRegister(remoteDeliveryFailed)
	prometheus.MustRegister(dsnTotal)
	prometheus.MustRegister(pushAgents)
	prometheus.MustRegister(stageTransitions)
}
