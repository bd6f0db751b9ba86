package policy

// Expression constructors. They make hand-built policy trees readable:
//
//	Op("and", Fn("hasRole", Lit("admin")), Eq(Var("resource.type"), Lit("document")))

func Lit(v any) *Expression {
	return &Expression{Kind: ExprLiteral, Value: v}
}

func Var(name string) *Expression {
	return &Expression{Kind: ExprVariable, Name: name}
}

func Fn(name string, args ...*Expression) *Expression {
	return &Expression{Kind: ExprFunction, Name: name, Args: args}
}

func Op(operator string, args ...*Expression) *Expression {
	return &Expression{Kind: ExprOperator, Op: operator, Args: args}
}

func And(args ...*Expression) *Expression { return Op("and", args...) }
func Or(args ...*Expression) *Expression  { return Op("or", args...) }
func Not(arg *Expression) *Expression     { return Op("not", arg) }

func Eq(a, b *Expression) *Expression { return Op("eq", a, b) }
func Ne(a, b *Expression) *Expression { return Op("ne", a, b) }
func Gt(a, b *Expression) *Expression { return Op("gt", a, b) }
func Lt(a, b *Expression) *Expression { return Op("lt", a, b) }
func In(a, b *Expression) *Expression { return Op("in", a, b) }

// DocumentBuilder assembles a policy document fluently.
type DocumentBuilder struct {
	doc *Document
}

func NewDocument(name string) *DocumentBuilder {
	return &DocumentBuilder{doc: &Document{
		Name:     name,
		Version:  DefaultVersion,
		IsActive: true,
	}}
}

func (b *DocumentBuilder) Version(v string) *DocumentBuilder {
	b.doc.Version = v
	return b
}

func (b *DocumentBuilder) Inactive() *DocumentBuilder {
	b.doc.IsActive = false
	return b
}

func (b *DocumentBuilder) Tags(tags ...string) *DocumentBuilder {
	b.doc.Tags = tags
	return b
}

func (b *DocumentBuilder) Variable(name string, value any) *DocumentBuilder {
	if b.doc.Variables == nil {
		b.doc.Variables = make(map[string]any)
	}
	b.doc.Variables[name] = value
	return b
}

func (b *DocumentBuilder) Function(name string, params []string, body *Expression) *DocumentBuilder {
	if b.doc.Functions == nil {
		b.doc.Functions = make(map[string]*FunctionDef)
	}
	b.doc.Functions[name] = &FunctionDef{Params: params, Body: body}
	return b
}

func (b *DocumentBuilder) Statement(st *Statement) *DocumentBuilder {
	b.doc.Statements = append(b.doc.Statements, st)
	return b
}

// Build finalizes the document, deriving its ID from name and version.
func (b *DocumentBuilder) Build() *Document {
	b.doc.ID = DocumentID(b.doc.Name, b.doc.Version)
	return b.doc
}

// StatementBuilder assembles a statement fluently.
type StatementBuilder struct {
	st *Statement
}

func Allow(id string) *StatementBuilder {
	return &StatementBuilder{st: &Statement{ID: id, Effect: EffectAllow}}
}

func Deny(id string) *StatementBuilder {
	return &StatementBuilder{st: &Statement{ID: id, Effect: EffectDeny}}
}

func (b *StatementBuilder) Priority(p int) *StatementBuilder {
	b.st.Priority = p
	return b
}

func (b *StatementBuilder) Resources(patterns ...string) *StatementBuilder {
	b.st.Resources = patterns
	return b
}

func (b *StatementBuilder) Actions(patterns ...string) *StatementBuilder {
	b.st.Actions = patterns
	return b
}

func (b *StatementBuilder) Principals(patterns ...string) *StatementBuilder {
	b.st.Principals = patterns
	return b
}

func (b *StatementBuilder) When(cond *Expression) *StatementBuilder {
	b.st.Condition = cond
	return b
}

func (b *StatementBuilder) Meta(key string, value any) *StatementBuilder {
	if b.st.Metadata == nil {
		b.st.Metadata = make(map[string]any)
	}
	b.st.Metadata[key] = value
	return b
}

func (b *StatementBuilder) Build() *Statement {
	return b.st
}
