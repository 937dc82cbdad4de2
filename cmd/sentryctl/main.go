// sentryctl 管理员工具：查看设备表、放行/阻断/删除设备、离线训练模型
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/Hara602/duckguard/internal/analysis"
	"github.com/Hara602/duckguard/internal/config"
	"github.com/Hara602/duckguard/internal/enforcer"
	"github.com/Hara602/duckguard/internal/model"
	"github.com/Hara602/duckguard/internal/registry"
	"github.com/Hara602/duckguard/internal/sentry"
	"github.com/Hara602/duckguard/internal/sysutil"
)

const usage = `usage: sentryctl [-config file] <command>

commands:
  list                 show all known devices
  allow <id>           whitelist a device and re-enable it
  block <id>           block a device and disable it
  remove <id>          forget a device
  status <id>          show attached/authorized state and udev rule (linux)
  train [-out file]    train a new model and save it`

func main() {
	configPath := flag.String("config", "", "path to config file (yaml)")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	if err := run(context.Background(), *configPath, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := sysutil.InitLogger(cfg.Logging.Level); err != nil {
		return err
	}
	defer sysutil.Log.Sync()

	switch args[0] {
	case "train":
		return train(cfg.Model, args[1:], out)
	case "list":
		return withRegistry(cfg, func(r *registry.Registry) error { return list(ctx, r, out) })
	case "status":
		id, err := deviceID(args)
		if err != nil {
			return err
		}
		return withRegistry(cfg, func(r *registry.Registry) error {
			return status(ctx, r, cfg.Enforcement, id, out)
		})
	case "allow", "block", "remove":
		action, err := model.ParseAdminAction(args[0])
		if err != nil {
			return err
		}
		id, err := deviceID(args)
		if err != nil {
			return err
		}
		return withRegistry(cfg, func(r *registry.Registry) error {
			if err := r.ApplyAdminAction(ctx, id, action); err != nil {
				return err
			}
			fmt.Fprintf(out, "device %d: %s\n", id, action)
			return nil
		})
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}

func deviceID(args []string) (int64, error) {
	if len(args) != 2 {
		return 0, fmt.Errorf("%s needs exactly one device id", args[0])
	}
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid device id %q", args[1])
	}
	return id, nil
}

func withRegistry(cfg *config.Config, fn func(r *registry.Registry) error) error {
	r, err := registry.Open(cfg.Database.Path, cfg.Database.BusyTimeout, enforcer.New(cfg.Enforcement))
	if err != nil {
		return err
	}
	defer r.Close()
	return fn(r)
}

func list(ctx context.Context, r *registry.Registry, out io.Writer) error {
	devs, err := r.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVID\tPID\tSERIAL\tSTATE\tTHREAT\tLAST SEEN")
	for _, d := range devs {
		seen := "-"
		if !d.LastSeen.IsZero() {
			seen = d.LastSeen.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.Key.VendorID, d.Key.ProductID, d.Key.Serial, d.Admission, d.Threat, seen)
	}
	return tw.Flush()
}

// status 直接读 sysfs 和规则目录，不需要 root
func status(ctx context.Context, r *registry.Registry, cfg config.EnforcementConfig, id int64, out io.Writer) error {
	d, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	st := enforcer.NewSysfs(cfg.SysfsRoot, cfg.RulesDir, nil).Status(d.Key.VendorID, d.Key.ProductID)
	fmt.Fprintf(out, "device %d (%s): state=%s threat=%s\n", d.ID, d.Key, d.Admission, d.Threat)
	fmt.Fprintf(out, "  connected=%t attached=%d authorized=%d udev_rule=%t\n",
		st.Connected, st.Count, st.AuthorizedCount, st.RulePresent)
	return nil
}

func train(cfg config.ModelConfig, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	path := fs.String("out", cfg.Path, "where to write the model")
	if err := fs.Parse(args); err != nil {
		return err
	}

	start := time.Now()
	forest, acc := analysis.Train(sentry.TrainingParams(cfg))
	if err := analysis.SaveModel(*path, forest); err != nil {
		return err
	}
	fmt.Fprintf(out, "trained %d trees in %s, test accuracy %.2f%%, saved to %s\n",
		len(forest.Trees), time.Since(start).Round(time.Millisecond), acc*100, *path)
	return nil
}
