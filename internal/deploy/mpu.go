package deploy

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/modelzoo/internal/config"
	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
	"github.com/fyrsmithlabs/modelzoo/internal/logging"
	"github.com/fyrsmithlabs/modelzoo/internal/stedgeai"
)

const (
	pingCount          = 5
	pingTimeoutSeconds = 100
	// DefaultPingTimeout bounds the whole ping subprocess.
	DefaultPingTimeout = 5 * time.Second
)

// MPU deploys to Linux MPU boards over SSH.
type MPU struct {
	Run         stedgeai.Runner
	Dial        Dialer
	User        string
	Password    string
	KeyFile     string
	Timeout     time.Duration // every subprocess except ping
	PingTimeout time.Duration
	GOOS        string // selects scp or pscp; defaults to runtime.GOOS
	Logger      *logging.Logger
}

// MPUTarget is one MPU deployment.
type MPUTarget struct {
	Address    string
	DeployPath string
	CProject   string
	Model      string
	LabelFile  string
	Board      string
}

type transfer struct {
	src, dst string
}

// MPUResult summarizes an MPU deployment.
type MPUResult struct {
	Copied        []string
	LaunchCommand string
}

// Deploy copies the application and model to the board and returns the
// command that starts the demo on target.
func (d *MPU) Deploy(ctx context.Context, t MPUTarget) (*MPUResult, error) {
	log := d.logger()

	if err := d.ping(ctx, t.Address); err != nil {
		return nil, err
	}

	cfg, err := clientConfig(d.user(), d.Password, d.KeyFile, d.Timeout)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindDeploy, errkind.SSHFailed, "ssh configuration", err)
	}
	dial := d.Dial
	if dial == nil {
		dial = DialSSH
	}
	log.Debug(ctx, "connecting to board",
		zap.String("address", t.Address),
		zap.String("user", d.user()),
		logging.Secret("board_password", config.Secret(d.Password)))
	shell, err := dial(ctx, t.Address, cfg)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindDeploy, errkind.SSHFailed, "connecting to "+t.Address, err)
	}
	defer shell.Close()
	if out, err := shell.Run(ctx, "mkdir -p "+shellQuote(t.DeployPath)); err != nil {
		return nil, errkind.Wrap(errkind.KindDeploy, errkind.SSHFailed,
			"creating "+t.DeployPath, commandError(err, []byte(out)))
	}

	app := filepath.Join(t.CProject, "Application")
	resources := filepath.Join(t.CProject, "Resources")
	remoteResources := path.Join(t.DeployPath, "Resources")

	res := &MPUResult{}
	copies := []transfer{
		{app, t.DeployPath},
		{resources, t.DeployPath},
		{t.Model, remoteResources},
	}
	if t.LabelFile != "" {
		copies = append(copies, transfer{t.LabelFile, remoteResources})
	}
	seriesDir := filepath.Join(t.CProject, mpuSeries(t.Board))
	if scripts, err := os.ReadDir(seriesDir); err == nil {
		for _, s := range scripts {
			if !s.IsDir() {
				copies = append(copies, transfer{filepath.Join(seriesDir, s.Name()), remoteResources})
			}
		}
	} else {
		log.Warn(ctx, "no series scripts in the C project", zap.String("dir", seriesDir))
	}

	for _, c := range copies {
		if err := d.copy(ctx, c.src, t.Address, c.dst); err != nil {
			return nil, err
		}
		res.Copied = append(res.Copied, c.src)
	}

	launch, err := findLaunchScript(app)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindDeploy, errkind.SCPFailed, "locating the launch script", err)
	}
	cmd := []string{path.Join(t.DeployPath, "Application", launch), t.DeployPath, filepath.Base(t.Model)}
	if t.LabelFile != "" {
		cmd = append(cmd, filepath.Base(t.LabelFile))
	}
	res.LaunchCommand = strings.Join(cmd, " ")
	log.Info(ctx, "deployment done; run this command on the board to start the application",
		zap.String("command", res.LaunchCommand))
	return res, nil
}

func (d *MPU) ping(ctx context.Context, addr string) error {
	if addr == "" {
		return errkind.Config(errkind.MissingValue, "deployment", "board_ip_address",
			"an IP address is required for MPU boards", "")
	}
	args := []string{"-c", fmt.Sprint(pingCount), "-W", fmt.Sprint(pingTimeoutSeconds), addr}
	if d.goos() == "windows" {
		args = []string{"-n", fmt.Sprint(pingCount), "-w", fmt.Sprint(pingTimeoutSeconds * 1000), addr}
	}
	timeout := d.PingTimeout
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}
	if out, err := runWithTimeout(ctx, d.Run, timeout, "", "ping", args...); err != nil {
		return &errkind.Error{
			Kind:      errkind.KindDeploy,
			Code:      errkind.BoardUnreachable,
			Attribute: "board_ip_address",
			Msg:       addr + " does not answer",
			Hint:      "Check that the board is powered and on the same network",
			Err:       commandError(err, out),
		}
	}
	return nil
}

func (d *MPU) copy(ctx context.Context, src, addr, dst string) error {
	remote := fmt.Sprintf("%s@%s:%s", d.user(), addr, dst)
	var name string
	var args []string
	if d.goos() == "windows" {
		name = "pscp"
		args = []string{"-r", "-batch"}
		if d.Password != "" {
			args = append(args, "-pw", d.Password)
		}
	} else {
		name = "scp"
		args = []string{"-r", "-o", "StrictHostKeyChecking=no", "-o", "UserKnownHostsFile=/dev/null"}
		if d.KeyFile != "" {
			args = append(args, "-i", d.KeyFile)
		}
	}
	args = append(args, src, remote)
	if out, err := runWithTimeout(ctx, d.Run, d.Timeout, "", name, args...); err != nil {
		return errkind.Wrap(errkind.KindDeploy, errkind.SCPFailed,
			fmt.Sprintf("copying %s to %s", src, remote), commandError(err, out))
	}
	return nil
}

func (d *MPU) user() string {
	if d.User == "" {
		return "root"
	}
	return d.User
}

func (d *MPU) goos() string {
	if d.GOOS == "" {
		return runtime.GOOS
	}
	return d.GOOS
}

func (d *MPU) logger() *logging.Logger {
	if d.Logger == nil {
		return logging.Nop()
	}
	return d.Logger
}

// mpuSeries maps a board to its script directory: STM32MP1 or STM32MP2.
func mpuSeries(board string) string {
	b := strings.ToUpper(board)
	if strings.HasPrefix(b, "STM32MP2") {
		return "STM32MP2"
	}
	return "STM32MP1"
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
