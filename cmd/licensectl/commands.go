package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/qs3c/license_go_server/config"
	"github.com/qs3c/license_go_server/internal/app"
	"github.com/qs3c/license_go_server/internal/model"
	"github.com/qs3c/license_go_server/internal/model/dto"
	"github.com/qs3c/license_go_server/internal/pkg/license"
	"github.com/qs3c/license_go_server/internal/pkg/notify"
	"github.com/qs3c/license_go_server/internal/service"
)

var errUsage = errors.New("usage")

type command struct {
	usage string
	// needsApp 为 false 的命令不连接存储
	needsApp bool
	run      func(ctx context.Context, a *app.App, fs *flag.FlagSet, args []string, out io.Writer) error
}

var commands = map[string]command{
	"keygen":     {"keygen -out DIR [-passphrase P]", false, runKeygen},
	"generate":   {"generate -kind KIND [-hours N] -max-devices N -count N [-service S] [-desc D] [-by WHO]", true, runGenerate},
	"redeem":     {"redeem -code CODE -device ID -user ID", true, runRedeem},
	"verify":     {"verify -token JWT -device ID [-online]", true, runVerify},
	"revoke":     {"revoke -code CODE [-reason R]", true, runRevoke},
	"suspend":    {"suspend -code CODE [-reason R]", true, runSuspend},
	"reinstate":  {"reinstate -code CODE", true, runReinstate},
	"disable":    {"disable -code CODE [-reason R]", true, runDisable},
	"unbind":     {"unbind -code CODE -device ID", true, runUnbind},
	"code":       {"code -code CODE", true, runCode},
	"bindings":   {"bindings (-code CODE | -device ID)", true, runBindings},
	"batch":      {"batch -id BATCH_ID", true, runBatch},
	"membership": {"membership -user ID [-service S]", true, runMembership},
	"stats":      {"stats", true, runStats},
	"logs":       {"logs -code CODE|BATCH_ID [-limit N]", true, runLogs},
	"sweep":      {"sweep [-dry-run]", true, runSweep},
	"events":     {"events [-n N] [-wait D]", true, runEvents},
}

func run(args []string, out io.Writer) error {
	global := flag.NewFlagSet("licensectl", flag.ContinueOnError)
	global.SetOutput(out)
	configPath := global.String("config", "", "Path to config.yaml (default $CONFIG_PATH or config.yaml)")
	timeout := global.Duration("timeout", 30*time.Second, "Command timeout")
	global.Usage = func() { printUsage(out) }
	if err := global.Parse(args); err != nil {
		return err
	}

	rest := global.Args()
	if len(rest) == 0 {
		printUsage(out)
		return errUsage
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		printUsage(out)
		return fmt.Errorf("unknown command %q", rest[0])
	}

	fs := flag.NewFlagSet(rest[0], flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() { fmt.Fprintln(out, "usage: licensectl", cmd.usage) }

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if !cmd.needsApp {
		return cmd.run(ctx, nil, fs, rest[1:], out)
	}

	path := *configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := app.New(cfg, app.NewLogger("release"))
	if err != nil {
		return err
	}
	defer a.Close()

	return cmd.run(ctx, a, fs, rest[1:], out)
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "usage: licensectl [-config PATH] [-timeout D] COMMAND [flags]")
	fmt.Fprintln(out, "\ncommands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintln(out, "  "+commands[name].usage)
	}
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// fail 把业务错误转成带原因字符串的错误
func fail(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", service.Reason(err), err)
}

func required(fs *flag.FlagSet, values map[string]string) error {
	var missing []string
	for name, v := range values {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, "-"+name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		fs.Usage()
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func runKeygen(_ context.Context, _ *app.App, fs *flag.FlagSet, args []string, out io.Writer) error {
	dir := fs.String("out", "", "Output directory")
	passphrase := fs.String("passphrase", "", "Encrypt the private key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(fs, map[string]string{"out": *dir}); err != nil {
		return err
	}

	priv, pub, err := license.GenerateKeyPair(*passphrase)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(*dir, 0o755); err != nil {
		return err
	}
	privPath := filepath.Join(*dir, "license.key")
	pubPath := filepath.Join(*dir, "license.pub")
	if _, err := os.Stat(privPath); err == nil {
		return fmt.Errorf("%s already exists", privPath)
	}
	if err := os.WriteFile(privPath, priv, 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(pubPath, pub, 0o644); err != nil {
		return err
	}
	return printJSON(out, map[string]string{"private_key": privPath, "public_key": pubPath})
}

func runGenerate(ctx context.Context, a *app.App, fs *flag.FlagSet, args []string, out io.Writer) error {
	kind := fs.String("kind", "", "hourly|daily|weekly|monthly|quarterly|yearly|permanent|custom")
	hours := fs.Int("hours", 0, "Duration in hours (custom kind)")
	maxDevices := fs.Int("max-devices", 1, "Devices per code")
	count := fs.Int("count", 1, "Number of codes")
	serviceType := fs.String("service", "", "Service type")
	desc := fs.String("desc", "", "Description")
	by := fs.String("by", os.Getenv("USER"), "Operator")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := &dto.GenerateBatchRequest{
		Kind:        model.CodeKind(*kind),
		MaxDevices:  *maxDevices,
		Count:       *count,
		ServiceType: *serviceType,
		Description: *desc,
		CreatedBy:   *by,
	}
	if *hours > 0 {
		req.DurationHours = hours
	}
	resp, err := a.Activation.GenerateBatch(ctx, req)
	if err != nil {
		return fail(err)
	}
	return printJSON(out, resp)
}

func runRedeem(ctx context.Context, a *app.App, fs *flag.FlagSet, args []string, out io.Writer) error {
	code := fs.String("code", "", "Activation code")
	device := fs.String("device", "", "Device ID")
	user := fs.String("user", "", "User ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(fs, map[string]string{"code": *code, "device": *device, "user": *user}); err != nil {
		return err
	}

	result, err := a.Activation.Redeem(ctx, &dto.RedeemRequest{Code: *code, DeviceID: *device, UserID: *user})
	if err != nil {
		return fail(err)
	}
	return printJSON(out, result)
}

func runVerify(ctx context.Context, a *app.App, fs *flag.FlagSet, args []string, out io.Writer) error {
	token := fs.String("token", "", "License token")
	device := fs.String("device", "", "Device ID")
	online := fs.Bool("online", false, "Check revocation against the store")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(fs, map[string]string{"token": *token, "device": *device}); err != nil {
		return err
	}

	var (
		result *dto.VerifyResult
		err    error
	)
	if *online {
		result, err = a.Activation.VerifyOnline(ctx, *token, *device)
	} else {
		result, err = a.Activation.Verify(*token, *device)
	}
	if err != nil {
		return printJSON(out, &dto.VerifyResult{Valid: false, Reason: service.Reason(err)})
	}
	return printJSON(out, result)
}

func runRevoke(ctx context.Context, a *app.App, fs *flag.FlagSet, args []string, out io.Writer) error {
	code := fs.String("code", "", "Activation code")
	reason := fs.String("reason", "", "Reason recorded on the code")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(fs, map[string]string{"code": *code}); err != nil {
		return err
	}
	if err := a.Activation.Revoke(ctx, *code, *reason); err != nil {
		return fail(err)
	}
	info, err := a.Activation.GetCode(ctx, *code)
	if err != nil {
		return fail(err)
	}
	return printJSON(out, info)
}

// statusCommand suspend/disable 共用的参数解析
func statusCommand(change func(ctx context.Context, code, reason string) (*dto.CodeInfo, error)) func(context.Context, *app.App, *flag.FlagSet, []string, io.Writer) error {
	return func(ctx context.Context, _ *app.App, fs *flag.FlagSet, args []string, out io.Writer) error {
		code := fs.String("code", "", "Activation code")
		reason := fs.String("reason", "", "Reason recorded on the code")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if err := required(fs, map[string]string{"code": *code}); err != nil {
			return err
		}
		info, err := change(ctx, *code, *reason)
		if err != nil {
			return fail(err)
		}
		return printJSON(out, info)
	}
}

func runSuspend(ctx context.Context, a *app.App, fs *flag.FlagSet, args []string, out io.Writer) error {
	return statusCommand(a.Activation.Suspend)(ctx, a, fs, args, out)
}

func runDisable(ctx context.Context, a *app.App, fs *flag.FlagSet, args []string, out io.Writer) error {
	return statusCommand(a.Activation.Disable)(ctx, a, fs, args, out)
}

func runReinstate(ctx context.Context, a *app.App, fs *flag.FlagSet, args []string, out io.Writer) error {
	code := fs.String("code", "", "Activation code")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(fs, map[string]string{"code": *code}); err != nil {
		return err
	}
	info, err := a.Activation.Reinstate(ctx, *code)
	if err != nil {
		return fail(err)
	}
	return printJSON(out, info)
}

func runUnbind(ctx context.Context, a *app.App, fs *flag.FlagSet, args []string, out io.Writer) error {
	code := fs.String("code", "", "Activation code")
	device := fs.String("device", "", "Device ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(fs, map[string]string{"code": *code, "device": *device}); err != nil {
		return err
	}
	info, err := a.Activation.Unbind(ctx, *code, *device)
	if err != nil {
		return fail(err)
	}
	return printJSON(out, info)
}

func runCode(ctx context.Context, a *app.App, fs *flag.FlagSet, args []string, out io.Writer) error {
	code := fs.String("code", "", "Activation code")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(fs, map[string]string{"code": *code}); err != nil {
		return err
	}
	info, err := a.Activation.GetCode(ctx, *code)
	if err != nil {
		return fail(err)
	}
	return printJSON(out, info)
}

func runBindings(ctx context.Context, a *app.App, fs *flag.FlagSet, args []string, out io.Writer) error {
	code := fs.String("code", "", "Activation code")
	device := fs.String("device", "", "Device ID")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		bindings []*model.DeviceBinding
		err      error
	)
	switch {
	case *code != "":
		bindings, err = a.Activation.ListBindings(ctx, *code)
	case *device != "":
		bindings, err = a.Activation.ListDeviceBindings(ctx, *device)
	default:
		fs.Usage()
		return errors.New("one of -code or -device is required")
	}
	if err != nil {
		return fail(err)
	}
	return printJSON(out, bindings)
}

func runBatch(ctx context.Context, a *app.App, fs *flag.FlagSet, args []string, out io.Writer) error {
	id := fs.String("id", "", "Batch ID")
	withCodes := fs.Bool("codes", false, "Include the batch's codes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(fs, map[string]string{"id": *id}); err != nil {
		return err
	}
	batch, err := a.Activation.GetBatch(ctx, *id)
	if err != nil {
		return fail(err)
	}
	if !*withCodes {
		return printJSON(out, batch)
	}
	codes, err := a.Activation.ListBatchCodes(ctx, *id)
	if err != nil {
		return fail(err)
	}
	return printJSON(out, map[string]interface{}{"batch": batch, "codes": codes})
}

func runMembership(ctx context.Context, a *app.App, fs *flag.FlagSet, args []string, out io.Writer) error {
	user := fs.String("user", "", "User ID")
	serviceType := fs.String("service", "", "Service type (all when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(fs, map[string]string{"user": *user}); err != nil {
		return err
	}

	if *serviceType != "" {
		info, err := a.Activation.Membership().GetMembership(ctx, *user, *serviceType)
		if err != nil {
			return fail(err)
		}
		return printJSON(out, info)
	}
	infos, err := a.Activation.Membership().ListMemberships(ctx, *user)
	if err != nil {
		return fail(err)
	}
	return printJSON(out, infos)
}

func runStats(ctx context.Context, a *app.App, fs *flag.FlagSet, args []string, out io.Writer) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	stats, err := a.Activation.CodeStats(ctx)
	if err != nil {
		return fail(err)
	}
	return printJSON(out, stats)
}

func runLogs(ctx context.Context, a *app.App, fs *flag.FlagSet, args []string, out io.Writer) error {
	code := fs.String("code", "", "Activation code or batch ID")
	limit := fs.Int("limit", 50, "Maximum entries, newest first")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(fs, map[string]string{"code": *code}); err != nil {
		return err
	}
	logs, err := a.Activation.ListLogs(ctx, *code, *limit)
	if err != nil {
		return fail(err)
	}
	return printJSON(out, logs)
}

func runSweep(ctx context.Context, a *app.App, fs *flag.FlagSet, args []string, out io.Writer) error {
	dryRun := fs.Bool("dry-run", false, "Only count expired records")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var (
		result *dto.SweepResult
		err    error
	)
	if *dryRun {
		result, err = a.Sweeper.CountExpired(ctx)
	} else {
		result, err = a.Sweeper.SweepExpired(ctx)
	}
	if err != nil {
		return fail(err)
	}
	return printJSON(out, result)
}

// runEvents 从 redis 队列取出兑换事件，供下游排查
func runEvents(ctx context.Context, a *app.App, fs *flag.FlagSet, args []string, out io.Writer) error {
	n := fs.Int("n", 10, "Maximum events to pop")
	wait := fs.Duration("wait", time.Second, "Block this long for each event")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if a.Redis == nil || a.Config.Notify.Driver != "redis" {
		return errors.New("events requires notify.driver=redis")
	}

	queue := notify.NewQueue(a.Redis, a.Config.Notify.Queue)
	events := make([]*notify.Event, 0, *n)
	for len(events) < *n {
		event, err := queue.Pop(ctx, *wait)
		if err != nil {
			return err
		}
		if event == nil {
			break
		}
		events = append(events, event)
	}
	remaining, err := queue.Length(ctx)
	if err != nil {
		return err
	}
	return printJSON(out, map[string]interface{}{"events": events, "remaining": remaining})
}
