/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"crypto/tls"
	"errors"
	"flag"
	"net/http"
	"os"
	"time"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	crwebhook "sigs.k8s.io/controller-runtime/pkg/webhook"

	"github.com/parachutes/chutes-admission/internal/cache"
	"github.com/parachutes/chutes-admission/internal/config"
	"github.com/parachutes/chutes-admission/internal/guard"
	"github.com/parachutes/chutes-admission/internal/policy"
	"github.com/parachutes/chutes-admission/internal/webhook"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

func main() {
	var configFile string
	var metricsAddr string
	var probeAddr string
	var webhookCertPath string
	var enableHTTP2 bool
	flag.StringVar(&configFile, "config", "", "Path to the admission configuration file. Empty means built-in defaults.")
	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metrics endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.StringVar(&webhookCertPath, "webhook-cert-path", "", "The directory that contains the webhook certificate.")
	flag.BoolVar(&enableHTTP2, "enable-http2", false, "If set, HTTP/2 will be enabled for the webhook server")
	opts := zap.Options{
		Development: false,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	cfg, err := config.Load(configFile)
	if err != nil {
		setupLog.Error(err, "unable to load configuration", "path", configFile)
		os.Exit(1)
	}

	// Unless told otherwise, disable HTTP/2 on the serving endpoints to
	// avoid the rapid-reset class of issues.
	tlsOpts := []func(*tls.Config){}
	if !enableHTTP2 {
		tlsOpts = append(tlsOpts, func(c *tls.Config) {
			c.NextProtos = []string{"http/1.1"}
		})
	}

	webhookServer := crwebhook.NewServer(crwebhook.Options{
		CertDir: webhookCertPath,
		TLSOpts: tlsOpts,
	})

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: metricsAddr},
		WebhookServer:          webhookServer,
		HealthProbeBindAddress: probeAddr,
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	decisionCache := cache.New(cfg.CacheTTL(), cfg.CacheMaxEntries)
	g := guard.New(cfg, time.Now())
	evaluator := policy.New(cfg, g.Rules())

	handler := &webhook.Handler{
		Evaluator: evaluator,
		Cache:     decisionCache,
		Timeout:   cfg.RequestTimeout(),
	}
	webhookServer.Register(webhook.WebhookPath, &crwebhook.Admission{Handler: handler})

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	// Ready only once the webhook server accepts connections and the
	// rule set and cache are wired.
	if err := mgr.AddReadyzCheck("webhook", webhookServer.StartedChecker()); err != nil {
		setupLog.Error(err, "unable to set up webhook readiness check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("policy", func(_ *http.Request) error {
		if len(evaluator.Rules) == 0 || len(evaluator.Guard) == 0 {
			return errors.New("rule set not initialized")
		}
		if !decisionCache.Ready() {
			return errors.New("decision cache not initialized")
		}
		return nil
	}); err != nil {
		setupLog.Error(err, "unable to set up policy readiness check")
		os.Exit(1)
	}

	setupLog.Info("starting admission webhook",
		"path", webhook.WebhookPath,
		"cacheTTL", cfg.CacheTTL().String(),
		"requestTimeout", cfg.RequestTimeout().String())
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}
