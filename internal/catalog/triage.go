package catalog

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/workflow"
	"go.uber.org/zap"
)

// Callable references of the triage steps
const (
	RefParseAlert      = "triage.parse_alert"
	RefIsActionable    = "triage.is_actionable"
	RefGatherLogs      = "triage.gather_logs"
	RefGatherMetrics   = "triage.gather_metrics"
	RefGatherDeploys   = "triage.gather_deploys"
	RefBuildReport     = "triage.build_report"
	RefPlanRemediation = "triage.plan_remediation"
	RefAcknowledge     = "triage.acknowledge"
)

// TriageWorkflowName is the name of the seeded workflow
const TriageWorkflowName = "incident-triage"

// Alert is the parsed form of the "alert" input
type Alert struct {
	Service  string `json:"service"`
	Severity string `json:"severity"`
	Summary  string `json:"summary"`
}

// Observation is what one gathering step found
type Observation struct {
	Source  string   `json:"source"`
	Signals []string `json:"signals"`
}

// Report aggregates the observations about an alert
type Report struct {
	Alert        Alert         `json:"alert"`
	Observations []Observation `json:"observations"`
	Suspects     []string      `json:"suspects"`
}

var callables = map[string]workflow.StepFunc{
	RefParseAlert:      parseAlert,
	RefIsActionable:    isActionable,
	RefGatherLogs:      gatherLogs,
	RefGatherMetrics:   gatherMetrics,
	RefGatherDeploys:   gatherDeploys,
	RefBuildReport:     buildReport,
	RefPlanRemediation: planRemediation,
	RefAcknowledge:     acknowledge,
}

// Register binds every catalogue callable into registry
func Register(registry *workflow.Registry) error {
	refs := make([]string, 0, len(callables))
	for ref := range callables {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	for _, ref := range refs {
		if registry.Has(ref) {
			continue
		}
		if err := registry.Register(ref, callables[ref]); err != nil {
			return err
		}
	}
	return nil
}

// TriageGraph composes the incident triage workflow:
//
//	parse_alert >> is_actionable ?
//	    (gather_logs | gather_metrics | gather_deploys) >> build_report >> plan_remediation
//	  : acknowledge
//
// Its steps refer to the catalogue callables by reference, so the
// registry handed to the builder must have gone through Register.
func TriageGraph() (*workflow.Graph, workflow.Step) {
	g := workflow.NewGraph()
	step := func(name, ref string, opts ...workflow.StepOption) workflow.Step {
		return g.Step(name, nil, append(opts, workflow.WithCallable(ref))...)
	}

	actionable := g.Sequential(
		step("parse_alert", RefParseAlert),
		step("is_actionable", RefIsActionable,
			workflow.WithMetadata(map[string]interface{}{"severities": []string{"critical", "high"}})),
	)

	investigate := g.Sequential(
		g.Parallel(
			step("gather_logs", RefGatherLogs, workflow.WithMetadata(map[string]interface{}{"window_minutes": 30})),
			step("gather_metrics", RefGatherMetrics, workflow.WithMetadata(map[string]interface{}{"window_minutes": 60})),
			step("gather_deploys", RefGatherDeploys),
		),
		step("build_report", RefBuildReport),
		step("plan_remediation", RefPlanRemediation),
	)

	root := g.Conditional(actionable, investigate, step("acknowledge", RefAcknowledge))
	return g, root
}

// SeedTriage persists a new instance of the triage workflow
func SeedTriage(ctx context.Context, builder *workflow.Builder) (*domain.Workflow, error) {
	_, root := TriageGraph()
	return builder.Build(ctx, TriageWorkflowName, "Triage an alert: gather evidence and plan remediation", root)
}

// ReportHook logs every finished triage report
func ReportHook(logger *zap.Logger) workflow.SuccessHook {
	return func(ctx context.Context, ec *workflow.ExecutionContext, result interface{}) error {
		if ec.StepName != "build_report" {
			return nil
		}
		report, err := workflow.ResultAs[Report](result)
		if err != nil {
			return fmt.Errorf("failed to read report: %w", err)
		}
		logger.Info("triage report ready",
			zap.String("workflow_id", ec.WorkflowID),
			zap.String("service", report.Alert.Service),
			zap.Strings("suspects", report.Suspects))
		return nil
	}
}

func parseAlert(ctx context.Context, ec *workflow.ExecutionContext) (interface{}, error) {
	raw, ok := ec.Input["alert"]
	if !ok {
		return nil, fmt.Errorf("input has no alert")
	}
	alert, err := workflow.ResultAs[Alert](raw)
	if err != nil {
		return nil, fmt.Errorf("malformed alert: %w", err)
	}
	if alert.Service == "" {
		return nil, fmt.Errorf("alert has no service")
	}
	alert.Severity = strings.ToLower(alert.Severity)
	return alert, nil
}

func isActionable(ctx context.Context, ec *workflow.ExecutionContext) (interface{}, error) {
	alert, err := workflow.ResultAs[Alert](ec.PrevResult())
	if err != nil {
		return nil, err
	}
	severities, err := workflow.ResultAs[[]string](ec.Metadata["severities"])
	if err != nil {
		return nil, err
	}
	for _, s := range severities {
		if alert.Severity == s {
			return true, nil
		}
	}
	return false, nil
}

// alertOf reads the parsed alert from the results of the run
func alertOf(ec *workflow.ExecutionContext) (Alert, error) {
	v, ok := ec.Result("parse_alert")
	if !ok {
		return Alert{}, fmt.Errorf("parse_alert has no result")
	}
	return workflow.ResultAs[Alert](v)
}

// pick deterministically chooses one of options for a service
func pick(service, salt string, options []string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(service + "/" + salt))
	return options[h.Sum32()%uint32(len(options))]
}

func gatherLogs(ctx context.Context, ec *workflow.ExecutionContext) (interface{}, error) {
	alert, err := alertOf(ec)
	if err != nil {
		return nil, err
	}
	window, err := workflow.ResultAs[int](ec.Metadata["window_minutes"])
	if err != nil {
		return nil, err
	}
	signal := pick(alert.Service, "logs", []string{
		"connection refused to upstream",
		"OOMKilled container restarts",
		"TLS handshake timeouts",
	})
	return Observation{
		Source:  "logs",
		Signals: []string{fmt.Sprintf("%s in the last %dm", signal, window)},
	}, nil
}

func gatherMetrics(ctx context.Context, ec *workflow.ExecutionContext) (interface{}, error) {
	alert, err := alertOf(ec)
	if err != nil {
		return nil, err
	}
	signal := pick(alert.Service, "metrics", []string{
		"p99 latency above SLO",
		"error rate above 5%",
		"CPU saturation",
	})
	return Observation{Source: "metrics", Signals: []string{signal}}, nil
}

func gatherDeploys(ctx context.Context, ec *workflow.ExecutionContext) (interface{}, error) {
	alert, err := alertOf(ec)
	if err != nil {
		return nil, err
	}
	signal := pick(alert.Service, "deploys", []string{
		"no deploys in the last 24h",
		fmt.Sprintf("%s rolled out 2h ago", alert.Service),
	})
	return Observation{Source: "deploys", Signals: []string{signal}}, nil
}

func buildReport(ctx context.Context, ec *workflow.ExecutionContext) (interface{}, error) {
	alert, err := alertOf(ec)
	if err != nil {
		return nil, err
	}
	observations, err := workflow.ResultAs[[]Observation](ec.StepResults)
	if err != nil {
		return nil, fmt.Errorf("failed to read observations: %w", err)
	}

	report := Report{Alert: alert, Observations: observations}
	for _, o := range observations {
		for _, s := range o.Signals {
			if strings.Contains(s, "no deploys") {
				continue
			}
			report.Suspects = append(report.Suspects, o.Source+": "+s)
		}
	}
	return report, nil
}

func planRemediation(ctx context.Context, ec *workflow.ExecutionContext) (interface{}, error) {
	report, err := workflow.ResultAs[Report](ec.PrevResult())
	if err != nil {
		return nil, err
	}

	var plan []string
	for _, suspect := range report.Suspects {
		switch {
		case strings.Contains(suspect, "rolled out"):
			plan = append(plan, "roll back the latest deploy of "+report.Alert.Service)
		case strings.Contains(suspect, "OOMKilled"):
			plan = append(plan, "raise the memory limit of "+report.Alert.Service)
		case strings.Contains(suspect, "CPU"):
			plan = append(plan, "scale out "+report.Alert.Service)
		}
	}
	if len(plan) == 0 {
		plan = append(plan, "page the owning team of "+report.Alert.Service)
	}
	return plan, nil
}

func acknowledge(ctx context.Context, ec *workflow.ExecutionContext) (interface{}, error) {
	alert, err := alertOf(ec)
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("acknowledged %s alert on %s: %s", alert.Severity, alert.Service, alert.Summary), nil
}
