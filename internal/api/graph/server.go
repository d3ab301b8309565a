package graph

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/heavenhold/heavenvote/config"
	"github.com/heavenhold/heavenvote/internal/ledger"
	"github.com/heavenhold/heavenvote/internal/model"
	"github.com/heavenhold/heavenvote/internal/service"
)

// GraphQLServer GraphQL服务器
type GraphQLServer struct {
	schema   *graphql.Schema
	handler  *relay.Handler
	resolver *Resolver
}

// 读取GraphQL Schema定义
const schemaString = `
enum LedgerKind {
  ITEM
  HERO
  TEAM
}

enum VoteDirection {
  UP
  DOWN
}

type ItemVoteCount {
  itemId: Int!
  likeCount: Int!
  dislikeCount: Int!
  userId: Int
  userVote: String!
}

type HeroVoteCount {
  heroId: Int!
  upvoteCount: Int!
  downvoteCount: Int!
  userId: Int
  userVote: String!
}

type HeroVoteInfo {
  heroId: Int!
  upvoteCount: Int!
  downvoteCount: Int!
}

type TeamVoteCount {
  teamId: Int!
  upvoteCount: Int!
  downvoteCount: Int!
  userId: Int
  userVote: String!
}

type TeamVoteInfo {
  teamId: Int!
  upvoteCount: Int!
  downvoteCount: Int!
}

type MyVote {
  subjectId: Int!
  userVote: String!
}

type VoteResult {
  success: Boolean!
  currentVote: String!
}

input CastVoteInput {
  kind: LedgerKind!
  heroId: Int
  itemId: Int
  categoryId: Int
  teamId: Int
  direction: VoteDirection!
  userId: Int
  ipAddress: String
}

type Query {
  # 英雄配装下各道具的赞踩统计，含请求者自己的投票
  itemVotes(heroId: Int!, userId: Int, ipAddress: String): [ItemVoteCount!]!

  # Meta分类下各英雄的赞踩统计，含请求者自己的投票
  heroVotesByCategory(categoryId: Int!, userId: Int, ipAddress: String): [HeroVoteCount!]!

  # 跨分类的英雄总榜
  heroVoteTotals: [HeroVoteInfo!]!

  # 各队伍的赞踩统计，含请求者自己的投票
  teamVotes(userId: Int, ipAddress: String): [TeamVoteCount!]!

  # 队伍总榜
  teamVoteTotals: [TeamVoteInfo!]!

  # 请求者在单个主体上的投票状态: up / down / none
  voteStatus(kind: LedgerKind!, heroId: Int, itemId: Int, categoryId: Int, teamId: Int, userId: Int, ipAddress: String): String!

  # 请求者自己投过的主体
  myVotes(kind: LedgerKind!, heroId: Int, categoryId: Int, userId: Int, ipAddress: String): [MyVote!]!
}

type Mutation {
  # 投票，重复投票覆盖先前方向
  castVote(input: CastVoteInput!): VoteResult!
}

schema {
  query: Query
  mutation: Mutation
}
`

// NewGraphQLServer 创建新的GraphQL服务器
func NewGraphQLServer(voteService *service.VoteService) *GraphQLServer {
	resolver := NewResolver(voteService)

	// 解析Schema并创建GraphQL实例
	schema := graphql.MustParseSchema(schemaString, resolver,
		graphql.UseFieldResolvers(),
	)

	handler := &relay.Handler{Schema: schema}

	return &GraphQLServer{
		schema:   schema,
		handler:  handler,
		resolver: resolver,
	}
}

// remoteAddrKey 请求远端地址在context里的键
type remoteAddrKey struct{}

// RemoteAddr 从context取出调用方观察到的远端地址
func RemoteAddr(ctx context.Context) string {
	addr, _ := ctx.Value(remoteAddrKey{}).(string)
	return addr
}

// WithRemoteAddr 把远端地址塞进context，测试用
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, remoteAddrKey{}, addr)
}

// Start 启动GraphQL服务器
func (s *GraphQLServer) Start(port int) error {
	router := gin.Default()

	// GraphQL API端点，把客户端IP带进context供身份回退用
	router.POST(config.AppConfig.GraphQL.Path, func(c *gin.Context) {
		ctx := WithRemoteAddr(c.Request.Context(), c.ClientIP())
		s.handler.ServeHTTP(c.Writer, c.Request.WithContext(ctx))
	})

	// GraphQL Playground
	router.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(playgroundHTML))
	})

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	addr := fmt.Sprintf(":%d", port)
	log.Printf("GraphQL服务已启动，API端点: %s, Playground: http://localhost%s/",
		config.AppConfig.GraphQL.Path, addr)

	return router.Run(addr)
}

// Resolver GraphQL解析器
type Resolver struct {
	voteService *service.VoteService
}

// NewResolver 创建新的解析器
func NewResolver(voteService *service.VoteService) *Resolver {
	return &Resolver{voteService: voteService}
}

// kindFromEnum 枚举值转账本类型
func kindFromEnum(kind string) ledger.Kind {
	switch kind {
	case "ITEM":
		return ledger.KindItem
	case "HERO":
		return ledger.KindHero
	case "TEAM":
		return ledger.KindTeam
	default:
		return ledger.Kind("")
	}
}

// directionFromEnum 枚举值转投票方向
func directionFromEnum(direction string) model.Direction {
	if direction == "DOWN" {
		return model.DirectionDown
	}
	return model.DirectionUp
}

// viewer 提取请求者身份三元组：用户ID、显式IP、观察到的远端地址
func viewer(ctx context.Context, userID *int32, ipAddress *string) (int64, string, string) {
	var uid int64
	if userID != nil {
		uid = int64(*userID)
	}
	var ip string
	if ipAddress != nil {
		ip = *ipAddress
	}
	return uid, ip, RemoteAddr(ctx)
}

// subjectKey 按账本类型从可选ID字段拼出主体键，缺的字段留0交给校验报错
func subjectKey(kind ledger.Kind, heroID, itemID, categoryID, teamID *int32) ledger.SubjectKey {
	id := func(v *int32) int64 {
		if v == nil {
			return 0
		}
		return int64(*v)
	}

	switch kind {
	case ledger.KindItem:
		return ledger.SubjectKey{SubjectID: id(itemID), ScopeID: id(heroID)}
	case ledger.KindHero:
		return ledger.SubjectKey{SubjectID: id(heroID), ScopeID: id(categoryID)}
	default:
		return ledger.SubjectKey{SubjectID: id(teamID)}
	}
}

// voteLabel 投票方向转账本的展示用词，nil表示未投票
func voteLabel(l ledger.Ledger, direction *model.Direction) string {
	if direction == nil {
		return "none"
	}
	if *direction == model.DirectionUp {
		return l.UpLabel
	}
	return l.DownLabel
}

// ItemVotes 英雄配装下各道具的赞踩统计
func (r *Resolver) ItemVotes(ctx context.Context, args struct {
	HeroID    int32
	UserID    *int32
	IPAddress *string
}) ([]*ItemVoteResolver, error) {
	uid, ip, remote := viewer(ctx, args.UserID, args.IPAddress)

	counts, err := r.voteService.AggregateVotes(ledger.KindItem, int64(args.HeroID), uid, ip, remote)
	if err != nil {
		return nil, err
	}

	resolvers := make([]*ItemVoteResolver, len(counts))
	for i, count := range counts {
		resolvers[i] = &ItemVoteResolver{count: count, userID: args.UserID}
	}
	return resolvers, nil
}

// HeroVotesByCategory Meta分类下各英雄的赞踩统计
func (r *Resolver) HeroVotesByCategory(ctx context.Context, args struct {
	CategoryID int32
	UserID     *int32
	IPAddress  *string
}) ([]*HeroVoteResolver, error) {
	uid, ip, remote := viewer(ctx, args.UserID, args.IPAddress)

	counts, err := r.voteService.AggregateVotes(ledger.KindHero, int64(args.CategoryID), uid, ip, remote)
	if err != nil {
		return nil, err
	}

	resolvers := make([]*HeroVoteResolver, len(counts))
	for i, count := range counts {
		resolvers[i] = &HeroVoteResolver{count: count, userID: args.UserID}
	}
	return resolvers, nil
}

// HeroVoteTotals 跨分类的英雄总榜
func (r *Resolver) HeroVoteTotals(ctx context.Context) ([]*HeroVoteInfoResolver, error) {
	counts, err := r.voteService.Totals(ledger.KindHero, 0)
	if err != nil {
		return nil, err
	}

	resolvers := make([]*HeroVoteInfoResolver, len(counts))
	for i, count := range counts {
		resolvers[i] = &HeroVoteInfoResolver{count: count}
	}
	return resolvers, nil
}

// TeamVotes 各队伍的赞踩统计
func (r *Resolver) TeamVotes(ctx context.Context, args struct {
	UserID    *int32
	IPAddress *string
}) ([]*TeamVoteResolver, error) {
	uid, ip, remote := viewer(ctx, args.UserID, args.IPAddress)

	counts, err := r.voteService.AggregateVotes(ledger.KindTeam, 0, uid, ip, remote)
	if err != nil {
		return nil, err
	}

	resolvers := make([]*TeamVoteResolver, len(counts))
	for i, count := range counts {
		resolvers[i] = &TeamVoteResolver{count: count, userID: args.UserID}
	}
	return resolvers, nil
}

// TeamVoteTotals 队伍总榜
func (r *Resolver) TeamVoteTotals(ctx context.Context) ([]*TeamVoteInfoResolver, error) {
	counts, err := r.voteService.Totals(ledger.KindTeam, 0)
	if err != nil {
		return nil, err
	}

	resolvers := make([]*TeamVoteInfoResolver, len(counts))
	for i, count := range counts {
		resolvers[i] = &TeamVoteInfoResolver{count: count}
	}
	return resolvers, nil
}

// VoteStatus 请求者在单个主体上的投票状态
func (r *Resolver) VoteStatus(ctx context.Context, args struct {
	Kind       string
	HeroID     *int32
	ItemID     *int32
	CategoryID *int32
	TeamID     *int32
	UserID     *int32
	IPAddress  *string
}) (string, error) {
	kind := kindFromEnum(args.Kind)
	key := subjectKey(kind, args.HeroID, args.ItemID, args.CategoryID, args.TeamID)
	uid, ip, remote := viewer(ctx, args.UserID, args.IPAddress)

	return r.voteService.VoteStatus(kind, key, uid, ip, remote)
}

// MyVotes 请求者自己投过的主体
func (r *Resolver) MyVotes(ctx context.Context, args struct {
	Kind       string
	HeroID     *int32
	CategoryID *int32
	UserID     *int32
	IPAddress  *string
}) ([]*MyVoteResolver, error) {
	kind := kindFromEnum(args.Kind)
	key := subjectKey(kind, args.HeroID, nil, args.CategoryID, nil)
	uid, ip, remote := viewer(ctx, args.UserID, args.IPAddress)

	votes, err := r.voteService.MyVotes(kind, key.ScopeID, uid, ip, remote)
	if err != nil {
		return nil, err
	}

	resolvers := make([]*MyVoteResolver, len(votes))
	for i, vote := range votes {
		resolvers[i] = &MyVoteResolver{vote: vote}
	}
	return resolvers, nil
}

// CastVoteInput 投票输入类型
type CastVoteInput struct {
	Kind       string
	HeroID     *int32
	ItemID     *int32
	CategoryID *int32
	TeamID     *int32
	Direction  string
	UserID     *int32
	IPAddress  *string
}

// CastVote 投票
func (r *Resolver) CastVote(ctx context.Context, args struct{ Input CastVoteInput }) (*VoteResultResolver, error) {
	input := args.Input
	kind := kindFromEnum(input.Kind)
	key := subjectKey(kind, input.HeroID, input.ItemID, input.CategoryID, input.TeamID)
	uid, ip, remote := viewer(ctx, input.UserID, input.IPAddress)

	result, err := r.voteService.CastVote(kind, key, directionFromEnum(input.Direction), uid, ip, remote)
	if err != nil {
		return nil, err
	}

	return &VoteResultResolver{result: result}, nil
}

// ItemVoteResolver 道具赞踩统计解析器
type ItemVoteResolver struct {
	count  *model.SubjectCount
	userID *int32
}

func (r *ItemVoteResolver) ItemID() int32 {
	return int32(r.count.SubjectID)
}

func (r *ItemVoteResolver) LikeCount() int32 {
	return r.count.UpCount
}

func (r *ItemVoteResolver) DislikeCount() int32 {
	return r.count.DownCount
}

func (r *ItemVoteResolver) UserID() *int32 {
	return r.userID
}

func (r *ItemVoteResolver) UserVote() string {
	return voteLabel(ledger.Item, r.count.UserVote)
}

// HeroVoteResolver 英雄赞踩统计解析器
type HeroVoteResolver struct {
	count  *model.SubjectCount
	userID *int32
}

func (r *HeroVoteResolver) HeroID() int32 {
	return int32(r.count.SubjectID)
}

func (r *HeroVoteResolver) UpvoteCount() int32 {
	return r.count.UpCount
}

func (r *HeroVoteResolver) DownvoteCount() int32 {
	return r.count.DownCount
}

func (r *HeroVoteResolver) UserID() *int32 {
	return r.userID
}

func (r *HeroVoteResolver) UserVote() string {
	return voteLabel(ledger.HeroCategory, r.count.UserVote)
}

// HeroVoteInfoResolver 英雄总榜解析器
type HeroVoteInfoResolver struct {
	count *model.SubjectCount
}

func (r *HeroVoteInfoResolver) HeroID() int32 {
	return int32(r.count.SubjectID)
}

func (r *HeroVoteInfoResolver) UpvoteCount() int32 {
	return r.count.UpCount
}

func (r *HeroVoteInfoResolver) DownvoteCount() int32 {
	return r.count.DownCount
}

// TeamVoteResolver 队伍赞踩统计解析器
type TeamVoteResolver struct {
	count  *model.SubjectCount
	userID *int32
}

func (r *TeamVoteResolver) TeamID() int32 {
	return int32(r.count.SubjectID)
}

func (r *TeamVoteResolver) UpvoteCount() int32 {
	return r.count.UpCount
}

func (r *TeamVoteResolver) DownvoteCount() int32 {
	return r.count.DownCount
}

func (r *TeamVoteResolver) UserID() *int32 {
	return r.userID
}

func (r *TeamVoteResolver) UserVote() string {
	return voteLabel(ledger.Team, r.count.UserVote)
}

// TeamVoteInfoResolver 队伍总榜解析器
type TeamVoteInfoResolver struct {
	count *model.SubjectCount
}

func (r *TeamVoteInfoResolver) TeamID() int32 {
	return int32(r.count.SubjectID)
}

func (r *TeamVoteInfoResolver) UpvoteCount() int32 {
	return r.count.UpCount
}

func (r *TeamVoteInfoResolver) DownvoteCount() int32 {
	return r.count.DownCount
}

// MyVoteResolver 请求者投票记录解析器
type MyVoteResolver struct {
	vote *model.VoterVote
}

func (r *MyVoteResolver) SubjectID() int32 {
	return int32(r.vote.SubjectID)
}

func (r *MyVoteResolver) UserVote() string {
	return r.vote.Direction.String()
}

// VoteResultResolver 投票响应解析器
type VoteResultResolver struct {
	result *model.VoteResult
}

func (r *VoteResultResolver) Success() bool {
	return r.result.Success
}

func (r *VoteResultResolver) CurrentVote() string {
	return r.result.CurrentVote.String()
}

// playgroundHTML GraphQL Playground HTML
const playgroundHTML = `
<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <meta name="viewport" content="user-scalable=no, initial-scale=1.0, minimum-scale=1.0, maximum-scale=1.0, minimal-ui">
  <title>Heavenvote GraphQL Playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <link rel="shortcut icon" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/favicon.png" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root">
    <style>
      body {
        background-color: rgb(23, 42, 58);
        font-family: Open Sans, sans-serif;
        height: 90vh;
      }
      #root {
        height: 100%;
        width: 100%;
        display: flex;
        align-items: center;
        justify-content: center;
      }
      .loading {
        font-size: 32px;
        font-weight: 200;
        color: rgba(255, 255, 255, .6);
        margin-left: 20px;
      }
      img {
        width: 78px;
        height: 78px;
      }
      .title {
        font-weight: 400;
      }
    </style>
    <img src='https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/logo.png' alt=''>
    <div class="loading">
      <span class="title">Heavenvote GraphQL Playground</span>
    </div>
  </div>
  <script>window.addEventListener('load', function (event) {
      GraphQLPlayground.init(document.getElementById('root'), {
        endpoint: '/graphql'
      })
    })</script>
</body>
</html>
`
