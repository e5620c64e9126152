// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// firmNamespace 是所有 Prometheus 指标使用的命名空间。
	firmNamespace = "firmgw"

	reasonLabelName  = "reason"
	classLabelName   = "class"
	resultLabelName  = "result"
	statusLabelName  = "status"
	routeLabelName   = "route"
	codeLabelName    = "code"
	backendLabelName = "backend"

	SuccessLabel = "success"
	FailLabel    = "fail"
	SkipLabel    = "skip"
)

var (
	// buckets 为请求耗时直方图的桶划分，单位为毫秒。
	// [1 2 4 8 16 32 64 128 256 512 1024 2048 4096 8192 16384 32768 65536 1.31072e+05]
	buckets = prometheus.ExponentialBuckets(1, 2, 18)

	// ConnectedFirms 为当前已连接的租户数。
	ConnectedFirms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: firmNamespace,
			Name:      "connected_firms",
			Help:      "number of firms with an open connection",
		})

	// RegisteredFirms 为注册表中的租户会话数。
	RegisteredFirms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: firmNamespace,
			Name:      "registered_firms",
			Help:      "number of firm sessions held in the registry",
		})

	ReconnectScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: firmNamespace,
			Name:      "reconnect_scheduled_total",
			Help:      "count of scheduled reconnects by failure class",
		}, []string{classLabelName})

	FirmTerminated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: firmNamespace,
			Name:      "firm_terminated_total",
			Help:      "count of torn down firm sessions by reason",
		}, []string{reasonLabelName})

	SnapshotPersist = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: firmNamespace,
			Name:      "snapshot_persist_total",
			Help:      "count of debounced credential snapshot writes by result",
		}, []string{resultLabelName})

	StatusWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: firmNamespace,
			Name:      "status_write_total",
			Help:      "count of session status writes by status and result",
		}, []string{statusLabelName, resultLabelName})

	AsyncTasksDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: firmNamespace,
			Name:      "async_task_dropped_total",
			Help:      "count of fire-and-forget tasks rejected by a saturated worker pool",
		})

	StoreLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: firmNamespace,
			Name:      "store_latency_ms",
			Help:      "latency of session store operations in milliseconds",
			Buckets:   buckets,
		}, []string{backendLabelName, "op"})

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: firmNamespace,
			Name:      "http_requests_total",
			Help:      "count of http requests by route and status code",
		}, []string{routeLabelName, codeLabelName})

	HTTPLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: firmNamespace,
			Name:      "http_request_latency_ms",
			Help:      "latency of http requests in milliseconds",
			Buckets:   buckets,
		}, []string{routeLabelName})

	metricRegisterer prometheus.Registerer
	registerOnce     sync.Once
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册全部指标，重复调用只生效一次。
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(ConnectedFirms)
		r.MustRegister(RegisteredFirms)
		r.MustRegister(ReconnectScheduled)
		r.MustRegister(FirmTerminated)
		r.MustRegister(SnapshotPersist)
		r.MustRegister(StatusWrites)
		r.MustRegister(AsyncTasksDropped)
		r.MustRegister(StoreLatency)
		r.MustRegister(HTTPRequests)
		r.MustRegister(HTTPLatency)
		metricRegisterer = r
	})
}
