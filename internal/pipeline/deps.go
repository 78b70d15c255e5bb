package pipeline

import (
	"os"

	"github.com/fyrsmithlabs/modelzoo/internal/config"
	"github.com/fyrsmithlabs/modelzoo/internal/deploy"
	"github.com/fyrsmithlabs/modelzoo/internal/dispatch"
	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
	"github.com/fyrsmithlabs/modelzoo/internal/footprint"
	"github.com/fyrsmithlabs/modelzoo/internal/framework"
	"github.com/fyrsmithlabs/modelzoo/internal/stedgeai"
)

func (p *Pipeline) framework() (framework.Framework, error) {
	if p.deps.Framework == nil {
		fw, err := framework.NewSubprocess(p.settings.FrameworkCmd, p.settings.FrameworkWorkdir, p.logger)
		if err != nil {
			return nil, err
		}
		p.deps.Framework = fw
	}
	return p.deps.Framework, nil
}

func (p *Pipeline) toolchain() (*config.ToolchainConfig, error) {
	if p.cfg.Tools != nil {
		if tc := p.cfg.Tools.Toolchain(); tc != nil {
			return tc, nil
		}
	}
	return nil, errkind.Config(errkind.MissingAttr, "tools", "stedgeai",
		"no model compiler is configured", "Please add a tools.stedgeai section")
}

// compiler chains the remote service, when on_cloud is set, with the
// local compiler, when one is installed.
func (p *Pipeline) compiler() (Compiler, error) {
	if p.deps.Compiler != nil {
		return p.deps.Compiler, nil
	}
	tc, err := p.toolchain()
	if err != nil {
		return nil, err
	}
	svc := &stedgeai.Service{Version: tc.Version, Logger: p.logger}
	if tc.OnCloud {
		cc := stedgeai.ClientConfigFromSettings(p.settings)
		cc.Logger = p.logger
		cc.Metrics = p.metrics
		cc.Progress = p.deps.Progress
		client, err := stedgeai.NewClient(cc)
		if err != nil {
			return nil, errkind.Wrap(errkind.KindRemote, errkind.LoginFailed, "remote compile service", err)
		}
		svc.Remote = client
		p.cleanup = append(p.cleanup, client.Close)
	}
	if exe := tc.Executable(); exe != "" {
		svc.Local = stedgeai.NewLocal(exe, tc.Version, p.settings.SubprocessTimeout.Duration(), p.logger)
	}
	p.deps.Compiler = svc
	return svc, nil
}

func (p *Pipeline) mcu() (MCUDeployer, error) {
	if p.deps.MCU != nil {
		return p.deps.MCU, nil
	}
	comp, err := p.compiler()
	if err != nil {
		return nil, err
	}
	catalog, err := footprint.LoadCatalog(p.settings.BoardCatalog)
	if err != nil {
		return nil, err
	}
	ide := ""
	if p.cfg.Tools != nil {
		ide = p.cfg.Tools.PathToCubeIDE
	}
	if ide == "" {
		ide = os.Getenv("STM32_CUBE_IDE_EXE")
	}
	d := &deploy.MCU{
		Compiler:    comp,
		Catalog:     catalog,
		Activations: dispatch.ExternalRAMPlacer{},
		Run:         stedgeai.ExecRunner,
		Timeout:     p.settings.SubprocessTimeout.Duration(),
		CubeIDE:     ide,
		Programmer:  deploy.DefaultProgrammer,
		Logger:      p.logger,
	}
	p.deps.MCU = d
	return d, nil
}

func (p *Pipeline) mpu() MPUDeployer {
	if p.deps.MPU == nil {
		p.deps.MPU = &deploy.MPU{
			Run:      stedgeai.ExecRunner,
			User:     p.settings.BoardUser,
			Password: p.settings.BoardPassword.Value(),
			KeyFile:  p.settings.BoardKey,
			Timeout:  p.settings.SubprocessTimeout.Duration(),
			Logger:   p.logger,
		}
	}
	return p.deps.MPU
}
