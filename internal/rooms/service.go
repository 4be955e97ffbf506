// Package rooms owns group membership: creation, adds, removals, leaves,
// admin transfer, deletion, and the fan-out of membership changes. Changes
// are announced to each affected identity's direct room, not the group room,
// so members who are not currently viewing the group still hear about them.
package rooms

import (
	"context"
	"time"

	"chat-server/internal/apperr"
	"chat-server/internal/database"
	"chat-server/internal/models"
	"chat-server/internal/registry"
	"chat-server/internal/unread"
	"chat-server/pkg/keylock"
	"chat-server/pkg/logger"

	"github.com/google/uuid"
)

type Service struct {
	db           database.Database
	reg          *registry.Registry
	unread       *unread.Counter
	locks        *keylock.KeyLock
	storeTimeout time.Duration
}

func NewService(db database.Database, reg *registry.Registry, counter *unread.Counter, storeTimeout time.Duration) *Service {
	return &Service{
		db:           db,
		reg:          reg,
		unread:       counter,
		locks:        keylock.New(),
		storeTimeout: storeTimeout,
	}
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

// Create builds a new group. The admin is always a member even if omitted
// from the request; the member list is deduplicated.
func (s *Service) Create(ctx context.Context, adminID, name, description string, members []string) (*models.Group, error) {
	if name == "" {
		return nil, apperr.InvalidArgument("group name is required")
	}

	group := &models.Group{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		AdminID:     adminID,
		Members:     dedupe(append([]string{adminID}, members...)),
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.db.CreateGroup(sctx, group); err != nil {
		return nil, apperr.FromStore("create group", err)
	}

	s.notify(group, models.ChangeGroupCreated, group.Members)
	return group, nil
}

func (s *Service) Get(ctx context.Context, groupID string) (*models.Group, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	group, err := s.db.GetGroup(sctx, groupID)
	if err != nil {
		return nil, apperr.FromStore("get group", err)
	}
	return group, nil
}

func (s *Service) ListForUser(ctx context.Context, userID string) ([]*models.Group, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	groups, err := s.db.ListUserGroups(sctx, userID)
	if err != nil {
		return nil, apperr.FromStore("list groups", err)
	}
	return groups, nil
}

// AddMembers adds newMembers to the group, admin-only, deduplicated against
// existing membership.
func (s *Service) AddMembers(ctx context.Context, actorID, groupID string, newMembers []string) (*models.Group, error) {
	s.locks.Lock(groupID)
	defer s.locks.Unlock(groupID)

	group, err := s.adminGroup(ctx, actorID, groupID)
	if err != nil {
		return nil, err
	}

	var added []string
	for _, id := range dedupe(newMembers) {
		if !group.HasMember(id) {
			group.Members = append(group.Members, id)
			added = append(added, id)
		}
	}
	if len(added) == 0 {
		return group, nil
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.db.UpdateGroup(sctx, group); err != nil {
		return nil, apperr.FromStore("update group", err)
	}

	s.notify(group, models.ChangeMembersAdded, group.Members)
	return group, nil
}

// RemoveMember removes memberID from the group, admin-only. The admin cannot
// be removed; transfer first.
func (s *Service) RemoveMember(ctx context.Context, actorID, groupID, memberID string) (*models.Group, error) {
	s.locks.Lock(groupID)
	defer s.locks.Unlock(groupID)

	group, err := s.adminGroup(ctx, actorID, groupID)
	if err != nil {
		return nil, err
	}
	if memberID == group.AdminID {
		return nil, apperr.InvalidArgument("admin cannot be removed; transfer admin first")
	}
	if !group.HasMember(memberID) {
		return nil, apperr.NotFound("user %s is not a member of group %s", memberID, groupID)
	}

	group.Members = without(group.Members, memberID)

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.db.UpdateGroup(sctx, group); err != nil {
		return nil, apperr.FromStore("update group", err)
	}
	s.detach(sctx, memberID, group.ID)

	// The removed member is notified too; they no longer appear in Members.
	s.notify(group, models.ChangeMemberRemoved, append([]string{memberID}, group.Members...))
	return group, nil
}

// Leave removes the identity from the group. An admin with other members
// must transfer admin rights first; a sole admin leaving dissolves the group.
func (s *Service) Leave(ctx context.Context, identity, groupID string) error {
	s.locks.Lock(groupID)
	defer s.locks.Unlock(groupID)

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	group, err := s.db.GetGroup(sctx, groupID)
	if err != nil {
		return apperr.FromStore("get group", err)
	}
	if !group.HasMember(identity) {
		return apperr.NotFound("user %s is not a member of group %s", identity, groupID)
	}

	if identity == group.AdminID {
		if len(group.Members) > 1 {
			return apperr.InvalidState("admin cannot leave a group with members; transfer admin first")
		}
		// Sole member: leaving dissolves the group so the admin-in-members
		// invariant always holds.
		return s.deleteLocked(ctx, group)
	}

	group.Members = without(group.Members, identity)
	if err := s.db.UpdateGroup(sctx, group); err != nil {
		return apperr.FromStore("update group", err)
	}
	s.detach(sctx, identity, group.ID)

	s.notify(group, models.ChangeMemberLeft, append([]string{identity}, group.Members...))
	return nil
}

// detach severs an identity's live and persisted ties to a group it no
// longer belongs to: room-key eviction stops further group traffic in either
// direction, and the identity's unread counter row for the group is dropped.
func (s *Service) detach(ctx context.Context, identity, groupID string) {
	ref := models.GroupRef(groupID)
	s.reg.EvictFromRoom(identity, ref.Key())
	if err := s.unread.Clear(ctx, identity, ref); err != nil {
		logger.Error("clear unread for %s in %s: %v", identity, ref.Key(), err)
	}
}

// TransferAdmin hands admin rights to newAdminID, which must already be a
// member.
func (s *Service) TransferAdmin(ctx context.Context, actorID, groupID, newAdminID string) (*models.Group, error) {
	s.locks.Lock(groupID)
	defer s.locks.Unlock(groupID)

	group, err := s.adminGroup(ctx, actorID, groupID)
	if err != nil {
		return nil, err
	}
	if !group.HasMember(newAdminID) {
		return nil, apperr.InvalidArgument("new admin must be a member of the group")
	}

	group.AdminID = newAdminID

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.db.UpdateGroup(sctx, group); err != nil {
		return nil, apperr.FromStore("update group", err)
	}

	s.notify(group, models.ChangeAdminTransfer, group.Members)
	return group, nil
}

// UpdateMeta changes name/description/avatar, admin-only. Empty fields are
// left untouched.
func (s *Service) UpdateMeta(ctx context.Context, actorID, groupID, name, description, avatarURL string) (*models.Group, error) {
	s.locks.Lock(groupID)
	defer s.locks.Unlock(groupID)

	group, err := s.adminGroup(ctx, actorID, groupID)
	if err != nil {
		return nil, err
	}
	if name != "" {
		group.Name = name
	}
	if description != "" {
		group.Description = description
	}
	if avatarURL != "" {
		group.AvatarURL = avatarURL
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.db.UpdateGroup(sctx, group); err != nil {
		return nil, apperr.FromStore("update group", err)
	}

	s.notify(group, models.ChangeGroupUpdated, group.Members)
	return group, nil
}

// Delete removes the group and cascades its stored messages and unread
// counters, admin-only.
func (s *Service) Delete(ctx context.Context, actorID, groupID string) error {
	s.locks.Lock(groupID)
	defer s.locks.Unlock(groupID)

	group, err := s.adminGroup(ctx, actorID, groupID)
	if err != nil {
		return err
	}
	return s.deleteLocked(ctx, group)
}

func (s *Service) deleteLocked(ctx context.Context, group *models.Group) error {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	if err := s.db.DeleteGroupMessages(sctx, group.ID); err != nil {
		return apperr.FromStore("delete group messages", err)
	}
	if err := s.unread.DropConversation(sctx, models.GroupRef(group.ID)); err != nil {
		return err
	}
	if err := s.db.DeleteGroup(sctx, group.ID); err != nil {
		return apperr.FromStore("delete group", err)
	}
	s.reg.DropRoom(models.GroupRef(group.ID).Key())

	s.notify(group, models.ChangeGroupDeleted, group.Members)
	return nil
}

func (s *Service) adminGroup(ctx context.Context, actorID, groupID string) (*models.Group, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	group, err := s.db.GetGroup(sctx, groupID)
	if err != nil {
		return nil, apperr.FromStore("get group", err)
	}
	if group.AdminID != actorID {
		return nil, apperr.Forbidden("only the group admin may do this")
	}
	return group, nil
}

// notify fans a membership-change event out to each recipient's direct room.
// Delivery is best-effort and addressed per identity; no broadcast-and-filter.
func (s *Service) notify(group *models.Group, changeKind string, recipients []string) {
	ev := models.NewEvent(models.EventGroupMembershipChanged)
	ev.Group = group
	ev.ChangeKind = changeKind
	for _, identity := range dedupe(recipients) {
		s.reg.Send(identity, ev)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func without(ids []string, drop string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}
