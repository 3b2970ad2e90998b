package main

import (
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/mesh"
	"github.com/rs/zerolog/log"
)

// logPresenter renders participant changes to the log.
type logPresenter struct{}

func (logPresenter) ParticipantUpdated(p mesh.Participant) {
	tracks := 0
	if p.Stream != nil {
		tracks = len(p.Stream.Tracks)
	}
	log.Info().Str("module", "meshpeer").Str("member", string(p.ID)).Str("name", string(p.Name)).
		Bool("named", p.Named).Int("tracks", tracks).Msg("participant")
}

func (logPresenter) ParticipantRemoved(id domain.MemberID) {
	log.Info().Str("module", "meshpeer").Str("member", string(id)).Msg("participant left")
}

func (logPresenter) LinkFailed(id domain.MemberID, err error) {
	log.Warn().Err(err).Str("module", "meshpeer").Str("member", string(id)).Msg("link failed")
}

func (logPresenter) MediaUnavailable(err error) {
	log.Warn().Err(err).Str("module", "meshpeer").Msg("joining receive-only")
}
