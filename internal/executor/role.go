package executor

import (
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/regionkeeper/internal/branch"
	"gitlab.com/gitlab-org/regionkeeper/internal/contract"
)

// role is the set of replication endpoints a region executor currently owns.
// Exactly one role exists at a time. A transition consumes the old role and
// returns the new one, tearing the old one down first when the kind or the
// bound branch changes.
type role interface {
	kind() contract.AckKind
	// bound returns the branch the endpoints are bound to, or the nil branch.
	bound() branch.ID
	// teardown closes every endpoint of the role. It may be called repeatedly.
	teardown(logger logrus.FieldLogger)
}

// nothing owns no endpoints. reset records whether the region's data has been
// reset since the role was entered.
type nothing struct {
	reset bool
}

func (*nothing) kind() contract.AckKind { return contract.AckNothing }
func (*nothing) bound() branch.ID { return branch.NilID }
func (*nothing) teardown(logger logrus.FieldLogger) {}

type secondary struct {
	branch   branch.ID
	listener Listener
	replier  Replier
}

func (*secondary) kind() contract.AckKind { return contract.AckSecondary }
func (s *secondary) bound() branch.ID { return s.branch }

func (s *secondary) dropStreams(logger logrus.FieldLogger) {
	closeEndpoint(logger, "replier", s.replier)
	s.replier = nil
	closeEndpoint(logger, "listener", s.listener)
	s.listener = nil
}

func (s *secondary) teardown(logger logrus.FieldLogger) {
	s.dropStreams(logger)
}

type primary struct {
	branch      branch.ID
	broadcaster Broadcaster
	listener    Listener
	replier     Replier
}

func (*primary) kind() contract.AckKind { return contract.AckPrimary }
func (p *primary) bound() branch.ID { return p.branch }

func (p *primary) dropStreams(logger logrus.FieldLogger) {
	closeEndpoint(logger, "replier", p.replier)
	p.replier = nil
	closeEndpoint(logger, "listener", p.listener)
	p.listener = nil
}

func (p *primary) teardown(logger logrus.FieldLogger) {
	p.dropStreams(logger)
	closeEndpoint(logger, "broadcaster", p.broadcaster)
	p.broadcaster = nil
}

type closer interface {
	Close() error
}

// closeEndpoint closes the endpoint if it is set. Close errors are logged, the
// endpoint counts as gone either way.
func closeEndpoint(logger logrus.FieldLogger, name string, endpoint closer) {
	if endpoint == nil {
		return
	}

	if err := endpoint.Close(); err != nil {
		logger.WithError(err).WithField("endpoint", name).Error("closing endpoint failed")
	}
}
