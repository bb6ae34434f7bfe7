package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pavelanni/bandexam/internal/events"
	"github.com/pavelanni/bandexam/internal/model"
	"github.com/pavelanni/bandexam/internal/recording"
	"github.com/pavelanni/bandexam/internal/remote"
)

// Outcome is what the candidate sees once a module is submitted.
type Outcome struct {
	Result  model.ScoreResult `json:"result"`
	Notices []model.Notice    `json:"notices,omitempty"`
	// Next is the module to route to, or empty for the results view.
	Next model.ModuleKind `json:"next,omitempty"`
}

// errNoUploader fails every clip when no media endpoint is configured.
var errNoUploader = errors.New("no media upload endpoint configured")

type noUploader struct{}

func (noUploader) Upload(context.Context, string, recording.Clip) (recording.Uploaded, error) {
	return recording.Uploaded{}, errNoUploader
}

// Finalize submits the module. Only the first call runs the submission;
// concurrent and later calls wait for it and return the same outcome. The
// finished trigger is accepted only on the last question.
//
// Faults after scoring (local write, uploads, remote sync) become notices on
// the outcome and never keep the module from reaching Submitted.
func (s *Session) Finalize(ctx context.Context, trigger model.SubmitTrigger) (Outcome, error) {
	s.mu.Lock()
	if done := s.done; done != nil {
		s.mu.Unlock()
		<-done
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.outcome, nil
	}
	if trigger == model.TriggerFinished && !s.nav.IsLast() {
		s.mu.Unlock()
		return Outcome{}, ErrNotLastQuestion
	}
	if err := checkTransition(s.state, StateFinalizing); err != nil {
		s.mu.Unlock()
		return Outcome{}, err
	}
	s.state = StateFinalizing
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	out := s.finalize(context.WithoutCancel(ctx), trigger)

	s.mu.Lock()
	s.outcome = out
	s.state = StateSubmitted
	s.ended = s.deps.Clock()
	s.mu.Unlock()
	close(done)

	s.publishSubmitted(out)
	return out, nil
}

func (s *Session) finalize(ctx context.Context, trigger model.SubmitTrigger) Outcome {
	log := s.logger.With("trigger", trigger)
	log.Info("finalizing module")

	left := s.timer.Stop()
	spent := time.Duration(s.module.Duration)*time.Second - left

	if s.rec != nil {
		if qid := s.rec.ForceStop(); qid != 0 {
			s.answers.SetAnswer(qid, clipAnswer(qid))
			log.Info("recording force-stopped", "question_id", qid)
		}
	}

	res := s.deps.Scorer.Score(s.module, s.answers.Snapshot())
	res.ExamID = s.examID
	res.Answers = s.answers.Snapshot()
	res.TimeSpent = int(spent.Round(time.Second).Seconds())
	res.Trigger = trigger
	res.ContentHash = s.module.Checksum
	res.SubmittedAt = s.deps.Clock().UTC()
	if s.rec != nil {
		res.Recordings = s.rec.Recordings()
	}

	out := Outcome{}
	if next, ok := s.module.Kind.Next(); ok {
		out.Next = next
	}

	fresh := s.persist(log, &res, &out)
	if fresh && s.rec != nil {
		s.uploadClips(ctx, log, &res, &out)
	}
	if fresh {
		s.sync(ctx, log, &res, &out)
	}

	if s.deps.Store != nil {
		if err := s.deps.Store.DeleteDraft(s.Key()); err != nil {
			log.Warn("delete draft failed", "error", err)
		}
	}
	s.releaseDevice()

	s.mu.Lock()
	out.Notices = append(out.Notices, s.notices...)
	s.notices = out.Notices
	s.mu.Unlock()
	out.Result = res

	log.Info("module submitted", "raw", res.Raw, "max_raw", res.MaxRaw, "band", res.Band,
		"time_spent", res.TimeSpent, "notices", len(out.Notices))
	return out
}

// persist writes the result to the local cache. It reports false when a
// result for the key already existed, in which case res is replaced by the
// stored one.
func (s *Session) persist(log *slog.Logger, res *model.ScoreResult, out *Outcome) bool {
	if s.deps.Store == nil {
		return true
	}
	inserted, err := s.deps.Store.SaveResult(*res)
	if err != nil {
		log.Error("persist result failed", "error", err)
		out.Notices = append(out.Notices, model.Notice{Code: model.NoticePersistFailed, Detail: err.Error()})
		return true
	}
	if inserted {
		return true
	}
	stored, err := s.deps.Store.GetResult(s.Key())
	if err != nil || stored == nil {
		log.Warn("result already cached but could not be read", "error", err)
		return false
	}
	log.Warn("result already cached, keeping stored result")
	*res = *stored
	return false
}

func (s *Session) uploadClips(ctx context.Context, log *slog.Logger, res *model.ScoreResult, out *Outcome) {
	if len(res.Recordings) == 0 {
		return
	}
	var up recording.Uploader = noUploader{}
	if s.deps.Uploader != nil {
		up = s.deps.Uploader
	}
	report := s.rec.UploadAll(ctx, up, s.Key(), s.deps.UploadTimeout, func(p recording.Progress) {
		s.mu.Lock()
		s.upload = p
		s.mu.Unlock()
	})
	res.Recordings = s.rec.Recordings()
	if report.Incomplete() {
		log.Warn("some clips did not upload", "failed", len(report.Failed), "total", report.Total)
		out.Notices = append(out.Notices, model.Notice{
			Code:  model.NoticeUploadsIncomplete,
			Count: len(report.Failed),
		})
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.UpdateRecordings(s.Key(), res.Recordings); err != nil {
			log.Warn("update recordings failed", "error", err)
		}
	}
}

// sync makes exactly one attempt to relay the result.
func (s *Session) sync(ctx context.Context, log *slog.Logger, res *model.ScoreResult, out *Outcome) {
	if s.deps.Syncer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.deps.SyncTimeout)
	defer cancel()
	if err := s.deps.Syncer.Sync(ctx, *res); err != nil {
		log.Warn("result sync failed", "kind", remote.KindOf(err), "error", err)
		out.Notices = append(out.Notices, model.Notice{Code: model.NoticeSyncFailed, Detail: err.Error()})
		return
	}
	res.Synced = true
	if s.deps.Store != nil {
		if err := s.deps.Store.MarkSynced(s.Key()); err != nil {
			log.Warn("mark synced failed", "error", err)
		}
	}
	log.Info("result synced")
}

func (s *Session) publishSubmitted(out Outcome) {
	r := out.Result
	data := events.SubmittedData{
		Band:          r.Band,
		Raw:           r.Raw,
		MaxRaw:        r.MaxRaw,
		Trigger:       r.Trigger,
		PendingReview: r.PendingReview,
		Recordings:    len(r.Recordings),
		Uploaded:      len(r.UploadedLocators()),
	}
	for _, n := range out.Notices {
		data.Notices = append(data.Notices, n.Code)
	}
	s.publish(context.Background(), events.ModuleSubmitted, data)
}
