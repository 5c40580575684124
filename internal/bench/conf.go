package bench

import (
	"github.com/piwi3910/rdmaperf/internal/hardware"
	"github.com/piwi3910/rdmaperf/internal/metrics"
	"github.com/piwi3910/rdmaperf/internal/transport/control"
)

var nodeConfig = func() control.Conf {
	return hardware.NewDetector().NodeConfig(metrics.Version)
}

func clientConf(r *Run) error {
	buf, err := r.Conn.RecvMessage("configuration", control.ConfSize)
	if err != nil {
		return err
	}

	remote, err := control.DecodeConf(buf)
	if err != nil {
		return err
	}

	local := nodeConfig()
	r.LocalConf, r.RemoteConf = &local, &remote

	return nil
}

func serverConf(r *Run) error {
	conf := nodeConfig()

	if long := conf.LongFields(); len(long) > 0 {
		r.Log.Warn().Strs("fields", long).Msg("Configuration fields truncated")
	}

	return r.Conn.SendMessage("configuration", conf.Encode())
}

func clientQuit(r *Run) error {
	return r.Conn.Synchronize(true, "quit")
}

func serverQuit(r *Run) error {
	err := r.Conn.Synchronize(false, "quit")
	if err != nil {
		return err
	}

	return ErrQuit
}
